package notify

import (
	"bytes"
	"context"
	"testing"

	"github.com/ariefcatur/go-realtime-storefront/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoardKeepsNewest(t *testing.T) {
	b := NewBoard(2)
	ctx := context.Background()

	_, ok := b.Latest()
	assert.False(t, ok)

	b.Notify(ctx, "one", KindInfo)
	b.Notify(ctx, "two", KindWarning)
	b.Notify(ctx, "three", KindError)

	got := b.Notices()
	require.Len(t, got, 2)
	assert.Equal(t, "two", got[0].Message)
	assert.Equal(t, "three", got[1].Message)

	latest, ok := b.Latest()
	require.True(t, ok)
	assert.Equal(t, KindError, latest.Kind)

	got[0].Message = "mutated"
	assert.Equal(t, "two", b.Notices()[0].Message)
}

func TestMultiAndLog(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(logger.Options{ServiceName: "test", Output: &buf})
	board := NewBoard(5)

	Multi{board, Log{Logger: log}, nil}.Notify(context.Background(), "cart cleared", KindSuccess)

	assert.Len(t, board.Notices(), 1)
	assert.Contains(t, buf.String(), "cart cleared")
	assert.Contains(t, buf.String(), `"notice_kind":"success"`)
}

func TestConfirmers(t *testing.T) {
	ctx := context.Background()
	assert.True(t, Answer(true).Confirm(ctx, "sure?"))
	assert.False(t, Answer(false).Confirm(ctx, "sure?"))

	var asked string
	c := ConfirmFunc(func(_ context.Context, prompt string) bool {
		asked = prompt
		return true
	})
	assert.True(t, c.Confirm(ctx, "clear cart?"))
	assert.Equal(t, "clear cart?", asked)
}
