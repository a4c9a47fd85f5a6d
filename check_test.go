package embedkv

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingLogger captures every Printf call so tests can assert the
// Logger seam actually fires at the commit/check paths, rather than
// sitting unwired.
type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Printf(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *recordingLogger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lines)
}

// orphanPage bumps the high-water mark with a page no bucket references
// and the freelist never claims, producing a deterministic
// "unreachable unfreed" violation for Check to find.
func orphanPage(tx *Tx) error {
	_, err := tx.allocate(1)
	return err
}

func TestDBCheckReportsCorruptionAsErrCorrupt(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.Update(orphanPage))

	err := db.Check()
	require.Error(t, err)

	var corrupt *ErrCorrupt
	require.ErrorAs(t, err, &corrupt)
	assert.NotEmpty(t, corrupt.Errors)
	assert.Contains(t, corrupt.Error(), "unreachable unfreed")
}

func TestLoggerSeamDefaultsToNoOp(t *testing.T) {
	db := openTestDB(t)
	require.NotNil(t, db.Logger)
	// Must not panic even though nothing was ever configured.
	db.Logger.Printf("probe %d", 1)
}

func TestLoggerSeamReceivesCheckDiagnostics(t *testing.T) {
	path := tempDBPath(t)
	logger := &recordingLogger{}

	db, err := Open(path, 0600, &Options{Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.Update(orphanPage))

	err = db.Check()
	require.Error(t, err)
	assert.Greater(t, logger.count(), 0)
}

func TestStrictModePanicsWithErrCorruptMessage(t *testing.T) {
	path := tempDBPath(t)
	logger := &recordingLogger{}

	db, err := Open(path, 0600, &Options{Logger: logger})
	require.NoError(t, err)
	db.StrictMode = true
	t.Cleanup(func() { _ = db.Close() })

	defer func() {
		r := recover()
		require.NotNil(t, r)
		assert.Contains(t, fmt.Sprint(r), "unreachable unfreed")
		assert.Greater(t, logger.count(), 0)
	}()

	_ = db.Update(orphanPage)
}
