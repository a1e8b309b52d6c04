package vector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProviderConfigDefaults(t *testing.T) {
	cfg := &ProviderConfig{}
	cfg.SetDefaults()

	assert.Equal(t, ProviderChromem, cfg.Type)
	require.NotNil(t, cfg.Chromem)

	qcfg := &ProviderConfig{Type: ProviderQdrant, Qdrant: &QdrantConfig{Host: "qdrant.internal"}}
	qcfg.SetDefaults()
	assert.Equal(t, 6334, qcfg.Qdrant.Port)
}

func TestProviderConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ProviderConfig
		wantErr string
	}{
		{
			name: "chromem needs nothing",
			cfg:  ProviderConfig{Type: ProviderChromem},
		},
		{
			name:    "qdrant requires config",
			cfg:     ProviderConfig{Type: ProviderQdrant},
			wantErr: "qdrant configuration is required",
		},
		{
			name:    "qdrant requires host",
			cfg:     ProviderConfig{Type: ProviderQdrant, Qdrant: &QdrantConfig{}},
			wantErr: "qdrant host is required",
		},
		{
			name:    "empty type rejected",
			cfg:     ProviderConfig{},
			wantErr: "provider type is required",
		},
		{
			name:    "unknown type rejected",
			cfg:     ProviderConfig{Type: "pinecone"},
			wantErr: "unknown provider type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewProviderNilConfig(t *testing.T) {
	p, err := NewProvider(nil)
	require.NoError(t, err)
	assert.Equal(t, "nil", p.Name())
}

func TestNewProviderChromem(t *testing.T) {
	p, err := NewProvider(&ProviderConfig{Type: ProviderChromem})
	require.NoError(t, err)
	assert.Equal(t, "chromem", p.Name())
	assert.NoError(t, p.Close())
}

func TestPointUUIDDeterministic(t *testing.T) {
	a := pointUUID("jira_ABC-1_chunk_0")
	b := pointUUID("jira_ABC-1_chunk_0")
	c := pointUUID("jira_ABC-1_chunk_1")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 36)
}

func TestBuildQdrantFilter(t *testing.T) {
	gte, lte := 10.0, 20.0
	f := Filter{
		Equals: map[string]any{"source": "jira"},
		Ranges: []RangeCondition{{Key: "updatedAtTs", GTE: &gte, LTE: &lte}},
		Contains: map[string][]string{
			"content": {"deploy", "q3"},
		},
	}

	built := buildQdrantFilter(f)
	require.NotNil(t, built)
	assert.Len(t, built.Must, 4, "one equality, one range, two text conditions")
}
