package logger

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		env       Enviroment
		addSource bool
		wantDebug bool
	}{
		{Prod, false, false},
		{Dev, false, true},
		{Staging, false, false},
		{Dev, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.env.String(), func(t *testing.T) {
			var buf bytes.Buffer
			log := New(&buf, tt.env, tt.addSource)
			log.Info("info message")
			log.Debug("debug message")

			out := buf.String()
			assert.Contains(t, out, `"msg":"info message"`)
			if tt.wantDebug {
				assert.Contains(t, out, `"level":"DEBUG"`)
			} else {
				assert.NotContains(t, out, "debug message")
			}
			if tt.addSource {
				assert.Contains(t, out, "logger_test.go")
			} else {
				assert.NotContains(t, out, `"source":`)
			}
		})
	}
}

func TestNewTestLogger(t *testing.T) {
	b, log := NewTestLogger()
	log.Debug("replica applied", "index", 7)

	assert.Contains(t, b.String(), "level=DEBUG")
	assert.Contains(t, b.String(), `msg="replica applied" index=7`)
}

func TestErrAttr(t *testing.T) {
	attr := ErrAttr(errors.New("something went wrong"))
	assert.Equal(t, "error", attr.Key)
	assert.Equal(t, "something went wrong", attr.Value.String())

	assert.Equal(t, "<nil>", ErrAttr(nil).Value.String())
}

func TestParseEnviroment(t *testing.T) {
	for in, want := range map[string]Enviroment{
		"prod":       Prod,
		"Production": Prod,
		"dev":        Dev,
		"":           Dev,
		" staging ":  Staging,
	} {
		got, err := ParseEnviroment(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseEnviroment("qa")
	assert.Error(t, err)
}
