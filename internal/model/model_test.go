package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPairKeyIsSymmetric(t *testing.T) {
	assert.Equal(t, PairKey("Anon1", "Local7"), PairKey("Local7", "Anon1"))
	assert.Equal(t, "dm:Anon1|Local7", PairKey("Local7", "Anon1"))
}

func TestTargetAddressing(t *testing.T) {
	ch := ChannelTarget("traffic")
	assert.True(t, ch.Valid())
	assert.False(t, ch.IsDirect())
	assert.Equal(t, "ch:traffic", ch.Key())

	dm := DirectTarget("b", "a")
	assert.True(t, dm.Valid())
	assert.True(t, dm.IsDirect())
	a, b, ok := dm.Parties()
	assert.True(t, ok)
	assert.Equal(t, "a", a)
	assert.Equal(t, "b", b)

	assert.False(t, Target{}.Valid())
	assert.False(t, Target{ChannelID: "x", PairKey: "dm:a|b"}.Valid())
}

func TestLookupCategory(t *testing.T) {
	c, ok := LookupCategory(" traffic ")
	assert.True(t, ok)
	assert.Equal(t, CategoryTraffic, c)
	assert.Equal(t, "Car", c.Icon())

	_, ok = LookupCategory("Pets")
	assert.False(t, ok)
	assert.Equal(t, DefaultIcon, Category("Pets").Icon())
}

func TestMessageExpired(t *testing.T) {
	now := time.Unix(1000, 0)
	m := &Message{}
	assert.False(t, m.Expired(now))

	exp := now
	m.ExpiresAt = &exp
	assert.True(t, m.Expired(now))
	assert.False(t, m.Expired(now.Add(-time.Second)))
}
