package wasmtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
)

func TestAppendU32(t *testing.T) {
	tests := []struct {
		in   uint32
		want []byte
	}{
		{0, []byte{0x00}},
		{127, []byte{0x7f}},
		{128, []byte{0x80, 0x01}},
		{624485, []byte{0xe5, 0x8e, 0x26}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, appendU32(nil, tt.in), "value %d", tt.in)
	}
}

func TestAppendS64(t *testing.T) {
	tests := []struct {
		in   int64
		want []byte
	}{
		{0, []byte{0x00}},
		{63, []byte{0x3f}},
		{64, []byte{0xc0, 0x00}},
		{-1, []byte{0x7f}},
		{-128, []byte{0x80, 0x7f}},
		{1024, []byte{0x80, 0x08}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, appendS64(nil, tt.in), "value %d", tt.in)
	}
}

func TestGuestsCompile(t *testing.T) {
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	guests := map[string]Guest{
		"serve":     {},
		"echo":      {Handler: HandlerEcho},
		"deferred":  {Handler: HandlerDeferred},
		"twice":     {Handler: HandlerTwice},
		"host call": {Handler: HandlerHostCall},
		"info":      {Handler: HandlerInfo},
		"reenter":   {Run: RunTrapOnReenter, Handler: HandlerSilent},
		"exit":      {Run: RunExit, ExitCode: 3, Initialize: true},
	}

	for name, g := range guests {
		t.Run(name, func(t *testing.T) {
			compiled, err := rt.CompileModule(ctx, g.Bytes())
			require.NoError(t, err)
			defer compiled.Close(ctx)

			exports := compiled.ExportedFunctions()
			assert.Contains(t, exports, "run")
			assert.Contains(t, exports, "wasmhttp_request")
			assert.Contains(t, compiled.ExportedMemories(), "memory")
		})
	}
}
