package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chendrizzy/discord-trade-exec-sub003/internal/broker"
	"github.com/chendrizzy/discord-trade-exec-sub003/internal/gate"
	"github.com/chendrizzy/discord-trade-exec-sub003/internal/models"
	"github.com/chendrizzy/discord-trade-exec-sub003/internal/registry"
	"github.com/chendrizzy/discord-trade-exec-sub003/internal/secrets"
)

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	db := execDB(t)
	require.NoError(t, db.AutoMigrate(&models.BrokerConnection{}))
	reg := registry.New(registry.ModeMultiUser, zap.NewNop())
	return NewPool(db, reg,
		secrets.NewAESEncryptor("test-master"),
		nil,
		gate.NewChecker(reg.PremiumKeys()),
		zap.NewNop(),
	)
}

func TestPoolAddBrokerAndResolve(t *testing.T) {
	p := newTestPool(t)

	require.NoError(t, p.AddBroker("u1", "pro", "paper", "api-key", "paper", nil))

	conns, err := p.Connected("u1")
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, "paper", conns[0].BrokerKey)
	assert.NotEmpty(t, conns[0].EncryptedCreds, "credentials are never stored in the clear")

	a, err := p.Adapter(context.Background(), "u1", "paper")
	require.NoError(t, err)
	assert.Equal(t, "paper", a.Key())

	// The instance is cached per (user, broker).
	b, err := p.Adapter(context.Background(), "u1", "paper")
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestPoolAddBrokerTierGate(t *testing.T) {
	p := newTestPool(t)

	// Free tier cannot connect a premium-only broker.
	err := p.AddBroker("u1", "free", "ibkr", "tws-gateway", "live", nil)
	var denied *broker.AccessDeniedError
	require.True(t, errors.As(err, &denied))
	assert.True(t, denied.UpgradeRequired)

	// Free tier caps at one connection.
	require.NoError(t, p.AddBroker("u1", "free", "paper", "api-key", "paper", nil))
	err = p.AddBroker("u1", "free", "alpaca", "api-key", "live", broker.Credentials{"apiKey": "k", "apiSecret": "s"})
	require.True(t, errors.As(err, &denied))
}

func TestPoolAddBrokerValidatesBeforePersist(t *testing.T) {
	p := newTestPool(t)

	err := p.AddBroker("u1", "premium", "binance", "api-key", "live", broker.Credentials{"apiKey": "k"})
	var vErr *broker.ValidationError
	require.True(t, errors.As(err, &vErr))

	conns, err := p.Connected("u1")
	require.NoError(t, err)
	assert.Empty(t, conns, "a failed validation must not leave a connection behind")
}

func TestPoolAdapterUnknownConnection(t *testing.T) {
	p := newTestPool(t)

	_, err := p.Adapter(context.Background(), "u1", "paper")
	var vErr *broker.ValidationError
	assert.True(t, errors.As(err, &vErr))
}

func TestPoolRemoveBrokerEvictsCache(t *testing.T) {
	p := newTestPool(t)
	require.NoError(t, p.AddBroker("u1", "pro", "paper", "api-key", "paper", nil))

	_, err := p.Adapter(context.Background(), "u1", "paper")
	require.NoError(t, err)

	require.NoError(t, p.RemoveBroker("u1", "paper"))

	_, err = p.Adapter(context.Background(), "u1", "paper")
	assert.Error(t, err)
}
