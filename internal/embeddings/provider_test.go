package embeddings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChoose(t *testing.T) {
	tests := []struct {
		name        string
		preferLocal bool
		keySet      bool
		wantLocal   bool
		wantFall    bool
	}{
		{name: "prefer local with key", preferLocal: true, keySet: true, wantLocal: true},
		{name: "prefer local without key", preferLocal: true, keySet: false, wantLocal: true},
		{name: "prefer cloud with key", preferLocal: false, keySet: true, wantLocal: false},
		{name: "prefer cloud without key falls back", preferLocal: false, keySet: false, wantLocal: true, wantFall: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := choose(tt.preferLocal, tt.keySet)
			assert.Equal(t, tt.wantLocal, ch.useLocal)
			assert.Equal(t, tt.wantFall, ch.fallback)
		})
	}
}
