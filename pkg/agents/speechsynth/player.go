package speechsynth

import (
	"context"
	"io"
)

// Player renders decoded speech audio. Play returns when the audio is exhausted or ctx is done.
type Player interface {
	Play(ctx context.Context, audio io.Reader) error
}

// DiscardPlayer consumes audio without rendering it.
type DiscardPlayer struct{}

// Play reads audio to the end, stopping early when ctx is done.
func (DiscardPlayer) Play(ctx context.Context, audio io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := audio.Read(buf)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// PlayerFunc adapts a function to Player.
type PlayerFunc func(ctx context.Context, audio io.Reader) error

// Play calls f.
func (f PlayerFunc) Play(ctx context.Context, audio io.Reader) error {
	return f(ctx, audio)
}
