package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandEnv(t *testing.T) {
	tests := []struct {
		name  string
		input string
		env   map[string]string
		want  string
	}{
		{
			name:  "braced substitution",
			input: "provider_key: ${API_KEY}",
			env:   map[string]string{"API_KEY": "secret123"},
			want:  "provider_key: secret123",
		},
		{
			name:  "bare substitution",
			input: "provider_key: $API_KEY",
			env:   map[string]string{"API_KEY": "secret123"},
			want:  "provider_key: secret123",
		},
		{
			name:  "multiple substitutions",
			input: "dsn: ${DB_HOST}:${DB_PORT}",
			env:   map[string]string{"DB_HOST": "localhost", "DB_PORT": "5432"},
			want:  "dsn: localhost:5432",
		},
		{
			name:  "missing variable expands to empty string",
			input: "provider_key: ${MISSING_MENUSENSE_VAR}",
			env:   nil,
			want:  "provider_key: ",
		},
		{
			name:  "no variables leaves input unchanged",
			input: "static: value",
			env:   map[string]string{"UNUSED": "value"},
			want:  "static: value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			got := ExpandEnv([]byte(tt.input))
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestExpandEnvWithEmptyInput(t *testing.T) {
	got := ExpandEnv([]byte(""))
	assert.Equal(t, "", string(got))
}
