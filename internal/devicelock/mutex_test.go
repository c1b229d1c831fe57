package devicelock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/industriaspico/carousel-fleet/internal/plcerr"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	r := require.New(t)

	m := New("m1", t.TempDir())
	release, err := m.Acquire(context.Background())
	r.NoError(err)
	release()

	release2, err := m.Acquire(context.Background())
	r.NoError(err)
	release2()
}

func TestInProcessExclusion(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)

	m := New("m1", t.TempDir())
	release, err := m.Acquire(context.Background())
	r.NoError(err)
	defer release()

	start := time.Now()
	_, err = m.Acquire(context.Background())
	elapsed := time.Since(start)

	r.Error(err)
	a.Equal(plcerr.PLCBusy, plcerr.CodeOf(err))
	a.GreaterOrEqual(elapsed, AcquireDeadline-50*time.Millisecond)
}

func TestCrossProcessExclusion(t *testing.T) {
	r := require.New(t)

	dir := t.TempDir()
	a := New("m1", dir)
	b := New("m1", dir) // simulates a second process via a distinct handle

	release, err := a.Acquire(context.Background())
	r.NoError(err)
	defer release()

	_, err = b.Acquire(context.Background())
	r.Error(err)
	r.Equal(plcerr.PLCBusy, plcerr.CodeOf(err))
}

func TestReleaseUnblocksWaiter(t *testing.T) {
	r := require.New(t)

	m := New("m1", t.TempDir())
	release, err := m.Acquire(context.Background())
	r.NoError(err)

	unlocked := make(chan struct{})
	go func() {
		time.Sleep(200 * time.Millisecond)
		release()
		close(unlocked)
	}()

	start := time.Now()
	release2, err := m.Acquire(context.Background())
	r.NoError(err)
	defer release2()
	<-unlocked
	r.Less(time.Since(start), AcquireDeadline)
}
