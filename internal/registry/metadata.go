package registry

// BrokerType classifies a broker's asset class.
type BrokerType string

const (
	TypeStock  BrokerType = "stock"
	TypeCrypto BrokerType = "crypto"
)

// RateLimit is a request budget over a window.
type RateLimit struct {
	Count    int
	WindowMs int
}

// Metadata is the static description of one supported broker. The table is
// built once at startup and never mutated.
type Metadata struct {
	Key                  string
	Name                 string
	Type                 BrokerType
	RequiresLocalGateway bool
	RateLimit            RateLimit
	// CredentialFields are required per auth method. Validated before any
	// network call.
	CredentialFields map[string][]string // authMethod -> required fields
	SupportsOAuth    bool
	PremiumOnly      bool
	ApprovalRequired bool
	// Defaults are injected into credentials when the user leaves the
	// field blank, at configure time and again after decryption.
	Defaults map[string]string
}

// builtinMetadata is the engine's broker catalog. Rate limits mirror each
// broker's published budget.
var builtinMetadata = []Metadata{
	{
		Key:       "binance",
		Name:      "Binance",
		Type:      TypeCrypto,
		RateLimit: RateLimit{Count: 50, WindowMs: 1_000},
		CredentialFields: map[string][]string{
			"api-key": {"apiKey", "secretKey"},
		},
	},
	{
		Key:       "alpaca",
		Name:      "Alpaca",
		Type:      TypeStock,
		RateLimit: RateLimit{Count: 200, WindowMs: 60_000},
		CredentialFields: map[string][]string{
			"api-key": {"apiKey", "apiSecret"},
			"oauth":   {},
		},
		SupportsOAuth: true,
	},
	{
		Key:       "tradier",
		Name:      "Tradier",
		Type:      TypeStock,
		RateLimit: RateLimit{Count: 120, WindowMs: 60_000},
		CredentialFields: map[string][]string{
			"oauth": {},
		},
		SupportsOAuth: true,
	},
	{
		Key:                  "ibkr",
		Name:                 "Interactive Brokers",
		Type:                 TypeStock,
		RequiresLocalGateway: true,
		RateLimit:            RateLimit{Count: 50, WindowMs: 1_000},
		CredentialFields: map[string][]string{
			"tws-gateway": {},
		},
		PremiumOnly:      true,
		ApprovalRequired: true,
		Defaults: map[string]string{
			"gatewayHost": "127.0.0.1",
			"gatewayPort": "5000",
		},
	},
	{
		Key:       "paper",
		Name:      "Paper Trading",
		Type:      TypeStock,
		RateLimit: RateLimit{Count: 1000, WindowMs: 1_000},
		CredentialFields: map[string][]string{
			"api-key": {},
		},
	},
}
