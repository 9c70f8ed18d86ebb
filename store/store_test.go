package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBanRuleMatches(t *testing.T) {
	t.Parallel()

	candidate := BanRule{ClientID: "c1", Host: "example.com", IPAddress: "10.0.0.1"}

	cases := []struct {
		rule BanRule
		want bool
	}{
		{BanRule{ClientID: "c1"}, true},
		{BanRule{Host: "example.com"}, true},
		{BanRule{IPAddress: "10.0.0.1"}, true},
		{BanRule{ClientID: "c1", Host: "example.com"}, true},
		{BanRule{ClientID: "c1", Host: "example.com", IPAddress: "10.0.0.1"}, true},
		{BanRule{ClientID: "c2"}, false},
		{BanRule{ClientID: "c1", Host: "other.com"}, false},
		{BanRule{Host: "example.com", IPAddress: "10.0.0.2"}, false},
		{BanRule{}, false},
	}
	for i, c := range cases {
		assert.Equal(t, c.want, c.rule.Matches(candidate), "case %d: %+v", i, c.rule)
	}
}
