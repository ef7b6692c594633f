package shared

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStampTenantAddsCashboxAndActor(t *testing.T) {
	ctx := ContextWithTenant(context.Background(), Tenant{CashboxID: 7, UserID: 42})

	log := stampTenant(ctx, AuditLog{
		Action:   "apply",
		Entity:   "document",
		EntityID: "11",
		Meta:     map[string]any{"operation": "incoming"},
	})

	require.Equal(t, int64(42), log.ActorID)
	require.Equal(t, int64(7), log.Meta["cashbox_id"])
	require.Equal(t, "incoming", log.Meta["operation"])
}

func TestStampTenantKeepsExplicitActor(t *testing.T) {
	ctx := ContextWithTenant(context.Background(), Tenant{CashboxID: 7, UserID: 42})

	log := stampTenant(ctx, AuditLog{ActorID: 99, Action: "apply", Entity: "document", EntityID: "11"})

	require.Equal(t, int64(99), log.ActorID)
}

func TestStampTenantLeavesMetaAliasAlone(t *testing.T) {
	ctx := ContextWithTenant(context.Background(), Tenant{CashboxID: 7})
	meta := map[string]any{"k": "v"}

	log := stampTenant(ctx, AuditLog{Action: "apply", Entity: "document", EntityID: "11", Meta: meta})

	require.NotContains(t, meta, "cashbox_id")
	require.Equal(t, int64(7), log.Meta["cashbox_id"])
}

func TestStampTenantNoTenantIsNoop(t *testing.T) {
	log := stampTenant(context.Background(), AuditLog{Action: "apply", Entity: "document", EntityID: "11"})

	require.Zero(t, log.ActorID)
	require.Nil(t, log.Meta)
}
