// Package registry maps broker keys to adapter constructors and answers
// eligibility questions: credential schemas, deployment-mode constraints,
// and broker comparison/recommendation over the static metadata table.
package registry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/chendrizzy/discord-trade-exec-sub003/internal/broker"
	"go.uber.org/zap"
)

// Deployment modes.
const (
	ModeMultiUser  = "multi-user"
	ModeSingleUser = "single-user"
)

// Options carries per-instance construction inputs.
type Options struct {
	UserID      string
	AuthMethod  string // api-key|oauth|tws-gateway
	Environment string // live|paper|testnet
	// Tokens supplies a refreshing OAuth token stream for oauth adapters.
	Tokens broker.TokenSource
}

// constructor builds one adapter instance.
type constructor func(meta Metadata, creds broker.Credentials, opts Options, logger *zap.Logger) (broker.Adapter, error)

// Registry is the broker factory. The metadata table and constructor map are
// immutable after New.
type Registry struct {
	metadata     map[string]Metadata
	constructors map[string]constructor
	mode         string
	logger       *zap.Logger
}

// New builds the Registry for the given deployment mode.
func New(mode string, logger *zap.Logger) *Registry {
	r := &Registry{
		metadata:     make(map[string]Metadata, len(builtinMetadata)),
		constructors: make(map[string]constructor),
		mode:         mode,
		logger:       logger.Named("registry"),
	}
	for _, m := range builtinMetadata {
		r.metadata[m.Key] = m
	}

	r.constructors["binance"] = func(meta Metadata, creds broker.Credentials, opts Options, logger *zap.Logger) (broker.Adapter, error) {
		perSecond, burst := meta.RateLimit.asRate()
		return broker.NewBinanceAdapter(creds, opts.Environment, perSecond, burst, logger), nil
	}
	r.constructors["alpaca"] = func(meta Metadata, creds broker.Credentials, opts Options, logger *zap.Logger) (broker.Adapter, error) {
		perSecond, burst := meta.RateLimit.asRate()
		return broker.NewAlpacaAdapter(creds, opts.Environment, opts.Tokens, perSecond, burst, logger), nil
	}
	r.constructors["tradier"] = func(meta Metadata, creds broker.Credentials, opts Options, logger *zap.Logger) (broker.Adapter, error) {
		if opts.Tokens == nil {
			return nil, &broker.ValidationError{Field: "oauth", Message: "tradier requires a connected OAuth session"}
		}
		perSecond, burst := meta.RateLimit.asRate()
		return broker.NewTradierAdapter(creds, opts.Environment, opts.Tokens, perSecond, burst, logger), nil
	}
	r.constructors["ibkr"] = func(meta Metadata, creds broker.Credentials, opts Options, logger *zap.Logger) (broker.Adapter, error) {
		perSecond, burst := meta.RateLimit.asRate()
		return broker.NewIBGatewayAdapter(creds, perSecond, burst, logger), nil
	}
	r.constructors["paper"] = func(meta Metadata, creds broker.Credentials, opts Options, logger *zap.Logger) (broker.Adapter, error) {
		return broker.NewPaperAdapter("paper", 100_000), nil
	}

	return r
}

// asRate converts the windowed budget to (perSecond, burst) for adapter
// transports.
func (l RateLimit) asRate() (float64, int) {
	if l.Count <= 0 || l.WindowMs <= 0 {
		return 10, 5
	}
	perSecond := float64(l.Count) / (float64(l.WindowMs) / 1000.0)
	burst := l.Count
	if burst > 50 {
		burst = 50
	}
	return perSecond, burst
}

// Get returns the metadata for a key.
func (r *Registry) Get(key string) (Metadata, error) {
	m, ok := r.metadata[key]
	if !ok {
		return Metadata{}, &broker.UnknownBrokerError{Key: key}
	}
	return m, nil
}

// Keys lists all registered broker keys, sorted.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.metadata))
	for k := range r.metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RateLimits exposes the per-broker budgets for the admission gate.
func (r *Registry) RateLimits() map[string]RateLimit {
	out := make(map[string]RateLimit, len(r.metadata))
	for k, m := range r.metadata {
		out[k] = m.RateLimit
	}
	return out
}

// PremiumKeys lists premium-only broker keys for the tier gate.
func (r *Registry) PremiumKeys() []string {
	var keys []string
	for k, m := range r.metadata {
		if m.PremiumOnly {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// ValidateCredentials schema-checks required fields for a broker and auth
// method without touching the network. Returns all missing fields at once.
func (r *Registry) ValidateCredentials(key, authMethod string, creds broker.Credentials) error {
	m, err := r.Get(key)
	if err != nil {
		return err
	}

	required, ok := m.CredentialFields[authMethod]
	if !ok {
		methods := make([]string, 0, len(m.CredentialFields))
		for method := range m.CredentialFields {
			methods = append(methods, method)
		}
		sort.Strings(methods)
		return &broker.ValidationError{
			Field:   "authMethod",
			Message: fmt.Sprintf("%s does not support %q (supported: %s)", key, authMethod, strings.Join(methods, ", ")),
		}
	}

	var missing []string
	for _, field := range required {
		if creds[field] == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return &broker.ValidationError{
			Field:   strings.Join(missing, ", "),
			Message: "required credential fields are missing",
		}
	}
	return nil
}

// ValidateDeploymentMode rejects local-gateway brokers in multi-user mode.
// This is an architectural constraint: a desktop-bound gateway process
// cannot serve a multi-tenant cloud deployment.
func (r *Registry) ValidateDeploymentMode(key string) error {
	m, err := r.Get(key)
	if err != nil {
		return err
	}
	if !m.RequiresLocalGateway || r.mode == ModeSingleUser {
		return nil
	}

	var alternatives []string
	for k, alt := range r.metadata {
		if !alt.RequiresLocalGateway && alt.Type == m.Type {
			alternatives = append(alternatives, k)
		}
	}
	sort.Strings(alternatives)
	return &broker.AccessDeniedError{
		Reason: fmt.Sprintf(
			"%s requires a local gateway process and cannot run in multi-user deployments; use one of: %s",
			m.Name, strings.Join(alternatives, ", ")),
	}
}

// ApplyDefaults fills conventional defaults (gateway host/port) into creds
// when absent. Called at configure time and again after decryption, which
// also covers configs saved before a default existed.
func (r *Registry) ApplyDefaults(key string, creds broker.Credentials) broker.Credentials {
	m, ok := r.metadata[key]
	if !ok || len(m.Defaults) == 0 {
		return creds
	}
	if creds == nil {
		creds = make(broker.Credentials, len(m.Defaults))
	}
	for field, value := range m.Defaults {
		if creds[field] == "" {
			creds[field] = value
		}
	}
	return creds
}

// CreateBroker validates and constructs an adapter instance. Each instance
// is exclusively owned by one (user, broker) pair; callers must not share
// instances across users.
func (r *Registry) CreateBroker(key string, creds broker.Credentials, opts Options) (broker.Adapter, error) {
	m, err := r.Get(key)
	if err != nil {
		return nil, err
	}
	if err := r.ValidateDeploymentMode(key); err != nil {
		return nil, err
	}
	if err := r.ValidateCredentials(key, opts.AuthMethod, creds); err != nil {
		return nil, err
	}

	creds = r.ApplyDefaults(key, creds)

	construct, ok := r.constructors[key]
	if !ok {
		return nil, &broker.UnknownBrokerError{Key: key}
	}

	r.logger.Info("constructing broker adapter",
		zap.String("broker", key),
		zap.String("user_id", opts.UserID),
		zap.String("environment", opts.Environment),
	)
	return construct(m, creds, opts, r.logger.Named(key))
}
