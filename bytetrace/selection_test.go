package bytetrace

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func ident(owner, name string) MethodIdentity {
	return MethodIdentity{Owner: owner, Name: name}
}

func TestNewTargetSet(t *testing.T) {
	t.Parallel()

	t.Run("baseline_mode", func(t *testing.T) {
		ts := NewTargetSet(preparedConfig(t, func(c *Config) {
			c.BaselineClasses = IdentList{"com.acme.Cart"}
			c.BaselineMethods = IdentList{"com.acme.Order::total"}
			c.Methods = IdentList{"com.acme.Ignored::run"}
		}))

		assert.Equal(t, []string{"com.acme.Cart", "com.acme.Order"}, ts.Classes())
		assert.Empty(t, ts.Methods())
		assert.True(t, ts.Instrument(ident("com/acme/Order", "other")))
		assert.False(t, ts.Instrument(ident("com/acme/Ignored", "run")))
		assert.False(t, ts.Relevant(ident("com/acme/Order", "total")))
		assert.False(t, ts.VerboseOnly(ident("com/acme/Order", "total")))
	})
	t.Run("specified_mode", func(t *testing.T) {
		ts := NewTargetSet(preparedConfig(t, func(c *Config) {
			c.UseSpecified = true
			c.Classes = IdentList{"com.acme.Cart"}
			c.Methods = IdentList{"com.acme.Order::total"}
			c.BaselineClasses = IdentList{"com.acme.Baseline"}
		}))

		assert.Equal(t, []string{"com.acme.Cart", "com.acme.Order"}, ts.Classes())
		assert.Equal(t, []string{"com.acme.Order::total"}, ts.Methods())
		assert.True(t, ts.Relevant(ident("com/acme/Order", "total")))
		assert.False(t, ts.Relevant(ident("com/acme/Order", "other")))
		assert.True(t, ts.Instrument(ident("com/acme/Order", "other")))
		assert.True(t, ts.VerboseOnly(ident("com/acme/Order", "other")))
		assert.False(t, ts.VerboseOnly(ident("com/acme/Order", "total")))
		assert.False(t, ts.HasClass("com.acme.Baseline"))
	})
	t.Run("implied_constructor", func(t *testing.T) {
		ts := NewTargetSet(preparedConfig(t, func(c *Config) {
			c.UseSpecified = true
			c.Methods = IdentList{"com.acme.Order::Order"}
		}))

		assert.Equal(t, []string{"com.acme.Order::<init>", "com.acme.Order::Order"}, ts.Methods())
		assert.True(t, ts.Relevant(ident("com/acme/Order", "<init>")))
	})
	t.Run("specified_empty_falls_back", func(t *testing.T) {
		ts := NewTargetSet(preparedConfig(t, func(c *Config) {
			c.UseSpecified = true
			c.BaselineClasses = IdentList{"com.acme.Baseline"}
		}))

		assert.Equal(t, []string{"com.acme.Baseline"}, ts.Classes())
		assert.True(t, ts.HasClass("com/acme/Baseline"))
	})
	t.Run("exception_classes_excluded", func(t *testing.T) {
		ts := NewTargetSet(preparedConfig(t, func(c *Config) {
			c.BaselineClasses = IdentList{"com.acme.OrderException", "com.exceptions.Handler"}
		}))

		assert.Equal(t, []string{"com.exceptions.Handler"}, ts.Classes())
	})
	t.Run("duplicates_collapsed", func(t *testing.T) {
		ts := NewTargetSet(preparedConfig(t, func(c *Config) {
			c.BaselineClasses = IdentList{"com.acme.Cart", "com.acme.Cart"}
			c.BaselineMethods = IdentList{"com.acme.Cart::add"}
		}))

		assert.Equal(t, []string{"com.acme.Cart"}, ts.Classes())
	})
}

func TestIsInternalClass(t *testing.T) {
	t.Parallel()

	assert.True(t, IsInternalClass(MonitorOwner))
	assert.True(t, IsInternalClass("bytetrace.Monitor"))
	assert.False(t, IsInternalClass(testOwner))
}
