package offlinecache_test

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	offlinecache "github.com/dgduncan/go-offline-cache"
)

func TestRoutingPolicyMatch(t *testing.T) {
	t.Parallel()

	policy := offlinecache.RoutingPolicy{
		Rules: []offlinecache.Rule{
			{Pattern: "/static/", Strategy: offlinecache.CacheFirst},
			{Pattern: "/eeg_stream", Strategy: offlinecache.NetworkOnly},
			{Pattern: "cdnjs.cloudflare.com/ajax/", Strategy: offlinecache.CacheFirst},
			{Pattern: "/static/js/live.js", Strategy: offlinecache.NetworkOnly},
		},
		Default: offlinecache.NetworkFirst,
	}

	tests := []struct {
		name string
		url  string
		want offlinecache.Strategy
	}{
		{name: "path prefix", url: "http://localhost:5000/static/css/style.css", want: offlinecache.CacheFirst},
		{name: "first rule wins", url: "http://localhost:5000/static/js/live.js", want: offlinecache.CacheFirst},
		{name: "network only", url: "http://localhost:5000/eeg_stream?channel=1", want: offlinecache.NetworkOnly},
		{name: "host prefix", url: "https://CDNJS.cloudflare.com/ajax/libs/font-awesome/all.min.css", want: offlinecache.CacheFirst},
		{name: "host prefix other path", url: "https://cdnjs.cloudflare.com/other", want: offlinecache.NetworkFirst},
		{name: "default", url: "http://localhost:5000/get_data", want: offlinecache.NetworkFirst},
		{name: "root", url: "http://localhost:5000", want: offlinecache.NetworkFirst},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			u, err := url.Parse(tt.url)
			require.NoError(t, err)
			assert.Equal(t, tt.want, policy.Match(u))
		})
	}
}

func TestParseStrategy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    offlinecache.Strategy
		wantErr bool
	}{
		{in: "cache-first", want: offlinecache.CacheFirst},
		{in: "CacheFirst", want: offlinecache.CacheFirst},
		{in: "network_first", want: offlinecache.NetworkFirst},
		{in: "", want: offlinecache.NetworkFirst},
		{in: " network-only ", want: offlinecache.NetworkOnly},
		{in: "stale-while-revalidate", wantErr: true},
	}

	for _, tt := range tests {
		got, err := offlinecache.ParseStrategy(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestRuleYAML(t *testing.T) {
	t.Parallel()

	var rules []offlinecache.Rule
	err := yaml.Unmarshal([]byte(`
- pattern: /static/
  strategy: cache-first
- pattern: /eeg_stream
  strategy: network-only
`), &rules)
	require.NoError(t, err)
	assert.Equal(t, []offlinecache.Rule{
		{Pattern: "/static/", Strategy: offlinecache.CacheFirst},
		{Pattern: "/eeg_stream", Strategy: offlinecache.NetworkOnly},
	}, rules)

	out, err := yaml.Marshal(rules[0])
	require.NoError(t, err)
	assert.Contains(t, string(out), "strategy: cache-first")

	err = yaml.Unmarshal([]byte("- {pattern: /x, strategy: sometimes}"), &rules)
	assert.Error(t, err)
}
