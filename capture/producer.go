package capture

import (
	"context"
	"log"

	"github.com/facebookgo/clock"
	"github.com/pkg/errors"

	"github.com/ndlib/shotlogger/spool"
	"github.com/ndlib/shotlogger/store"
)

// A Producer takes a screenshot on each call to Capture and saves it into
// the spool as a new pending artifact.
type Producer struct {
	Index  *spool.Index
	Source Capturer
	Clock  clock.Clock // nil means the wall clock
}

// maxSeq bounds the search for a free name within one second.
const maxSeq = 1000

// Capture takes one screenshot. The file name comes from the current time.
// If that name is taken the first free suffixed name is used instead, so an
// existing file is never overwritten. If anything fails nothing is
// registered and nothing is left in the spool.
func (p *Producer) Capture(ctx context.Context) (spool.Artifact, error) {
	data, err := p.Source.Capture(ctx)
	if err != nil {
		if !IsFailure(err) {
			err = failure("%s", err)
		}
		return spool.Artifact{}, err
	}
	if err := CheckPNG(data); err != nil {
		return spool.Artifact{}, err
	}
	c := p.Clock
	if c == nil {
		c = clock.New()
	}
	now := c.Now()
	for seq := 0; seq < maxSeq; seq++ {
		key := spool.KeyFor(now, seq)
		w, err := p.Index.Create(key)
		if err == store.ErrKeyExists {
			continue
		} else if err != nil {
			return spool.Artifact{}, errors.Wrapf(err, "capture %s", key)
		}
		if _, err = w.Write(data); err != nil {
			w.Abort()
			return spool.Artifact{}, errors.Wrapf(err, "capture %s", key)
		}
		a, err := w.Commit()
		if err == store.ErrKeyExists {
			continue
		} else if err != nil {
			return spool.Artifact{}, err
		}
		log.Printf("capture: saved %s/%s (%d bytes)", a.Day, a.Key, a.Size)
		return a, nil
	}
	return spool.Artifact{}, errors.Errorf("capture: no free name for %s", spool.KeyFor(now, 0))
}
