package record

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mehdimirhoseini/axelor-studio/engine/enginetest"
)

func Test_VarName(t *testing.T) {
	require.Equal(t, "invoice", VarName("Invoice"))
	require.Equal(t, "saleOrder", VarName("com.axelor.apps.sale.db.SaleOrder"))
	require.Equal(t, "", VarName(""))
}

func Test_Context_ProcessInstanceIDWritesThrough(t *testing.T) {
	rec := NewDynamic("Invoice", 1, map[string]any{"amount": 120})
	c := FromRecord(rec)

	require.Equal(t, "", c.ProcessInstanceID())

	c.SetProcessInstanceID("pi-1")

	require.Equal(t, "pi-1", c.ProcessInstanceID())
	require.Equal(t, "pi-1", rec.ProcessInstanceID())
}

func Test_Context_ResolveNestedPath(t *testing.T) {
	customer := NewDynamic("Customer", 7, map[string]any{"name": "acme"})
	order := NewDynamic("Order", 3, map[string]any{"customer": customer})
	line := NewDynamic("OrderLine", 9, map[string]any{"order": order})

	c := FromRecord(line)

	require.Equal(t, "acme", c.Resolve("order.customer.name"))
	require.Nil(t, c.Resolve("order.customer.missing"))
	require.Nil(t, c.Resolve("no.such.path"))
}

func Test_Context_RelatedContext(t *testing.T) {
	parent := NewDynamic("Order", 3, map[string]any{ProcessInstanceIDField: "pi-parent"})
	line := FromRecord(NewDynamic("OrderLine", 9, map[string]any{"order": parent}))

	related := line.RelatedContext("order")
	require.NotNil(t, related)
	require.Equal(t, "pi-parent", related.ProcessInstanceID())

	require.Nil(t, line.RelatedContext("order.customer"))
}

func Test_Context_EnvFlattensNestedRecords(t *testing.T) {
	customer := NewDynamic("Customer", 7, map[string]any{"name": "acme"})
	c := FromRecord(NewDynamic("Order", 3, map[string]any{"customer": customer, "total": 10}))

	env := c.Env()

	require.Equal(t, 10, env["total"])
	require.Equal(t, int64(3), env["id"])

	nested, ok := env["customer"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "acme", nested["name"])
}

func Test_Builder_FilterOne(t *testing.T) {
	repo := NewMemoryRepository()
	require.NoError(t, repo.Save(context.Background(), NewDynamic("Invoice", 1, map[string]any{"status": "draft"})))
	require.NoError(t, repo.Save(context.Background(), NewDynamic("Invoice", 2, map[string]any{"status": "validated"})))

	set := NewRepositorySet()
	set.Register("Invoice", repo)

	b := NewBuilder(set)

	c, err := b.FilterOne(context.Background(), "Invoice", "self.status = ?1", "validated")
	require.NoError(t, err)
	require.NotNil(t, c)
	require.Equal(t, int64(2), c.ID())

	c, err = b.FilterOne(context.Background(), "Invoice", "self.status == ?1", "cancelled")
	require.NoError(t, err)
	require.Nil(t, c)
}

func Test_Builder_FilterOneNamed(t *testing.T) {
	repo := NewMemoryRepository()
	require.NoError(t, repo.Save(context.Background(), NewDynamic("Invoice", 1, map[string]any{ProcessInstanceIDField: "pi-1"})))

	set := NewRepositorySet()
	set.Register("Invoice", repo)

	b := NewBuilder(set)

	c, err := b.FilterOneNamed(context.Background(), "Invoice", "self.processInstanceId = :pid", map[string]any{"pid": "pi-1"})
	require.NoError(t, err)
	require.NotNil(t, c)
	require.Equal(t, int64(1), c.ID())
}

func Test_Builder_UnknownModel(t *testing.T) {
	b := NewBuilder(NewRepositorySet())

	_, err := b.Find(context.Background(), "Nope", 1)
	require.Error(t, err)

	var unknown *UnknownModelError
	require.ErrorAs(t, err, &unknown)
}

func Test_PublishVariable(t *testing.T) {
	eng := enginetest.New()
	eng.Deploy("invoice-process:1", "<bpmn/>")

	id, err := eng.StartInstance(context.Background(), "invoice-process:1", nil)
	require.NoError(t, err)

	c := FromRecord(NewDynamic("Invoice", 5, map[string]any{"amount": 100}))
	require.NoError(t, PublishVariable(context.Background(), eng, id, c))

	// Publishing binds an unbound record to the instance.
	require.Equal(t, id, c.ProcessInstanceID())

	v, err := eng.GetVariable(context.Background(), id, "invoiceId")
	require.NoError(t, err)
	require.Equal(t, int64(5), v)
}

func Test_EngineVariables(t *testing.T) {
	c := FromRecord(NewDynamic("Invoice", 5, map[string]any{"amount": 100}))

	vars := EngineVariables(map[string]any{"invoice": c, "plain": "value"})

	require.Equal(t, "value", vars["plain"])
	require.Equal(t, int64(5), vars["invoiceId"])

	env, ok := vars["invoice"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, 100, env["amount"])
}
