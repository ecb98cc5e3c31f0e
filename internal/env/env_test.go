package env

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOverlaySetPtrNilUnsets(t *testing.T) {
	o := Overlay{}
	v := "1"
	o.SetPtr("A", &v)
	o.SetPtr("B", nil)
	o.Set("", "ignored")
	o.Unset("")

	assert.Equal(t, []string{"A=1"}, o.Pairs())
	assert.Equal(t, []string{"A"}, o.Names())
	assert.Equal(t, []string{"B"}, o.Unsets())
}

func TestOverlaySetPtrNilReplacesValue(t *testing.T) {
	o := From(map[string]string{"A": "1"})
	o.SetPtr("A", nil)
	assert.Empty(t, o.Pairs())
	assert.Equal(t, []string{"A"}, o.Unsets())
}

func TestOverlayForward(t *testing.T) {
	t.Setenv("BACKUPD_FWD_PRESENT", "yes")
	o := Overlay{}
	o.Forward("BACKUPD_FWD_PRESENT", "BACKUPD_FWD_MISSING_XYZ")

	assert.Equal(t, From(map[string]string{"BACKUPD_FWD_PRESENT": "yes"}), o)
}

func TestMergeOverlayWins(t *testing.T) {
	e := New()
	e.FromPairs([]string{"A=base", "B=keep", "=bad", "noequals"})
	out := e.Merge(From(map[string]string{"A": "over", "C": ""}))

	assert.Equal(t, []string{"A=over", "B=keep", "C="}, out)
}

func TestMergeUnsetRemovesBase(t *testing.T) {
	e := New()
	e.FromPairs([]string{"DB_PASSWORD=secret", "DRY_RUN=true", "PATH=/bin"})
	o := Overlay{}
	o.Unset("DRY_RUN")
	o.Unset("NEVER_SET")
	o.SetPtr("DB_PASSWORD", nil)

	assert.Equal(t, []string{"PATH=/bin"}, e.Merge(o))
	// the base itself is untouched
	assert.Equal(t, []string{"DB_PASSWORD=secret", "DRY_RUN=true", "PATH=/bin"}, e.Merge(nil))
}

func TestMergeDefaultsToOS(t *testing.T) {
	t.Setenv("BACKUPD_MERGE_OS", "v")
	out := New().Merge(nil)
	assert.Contains(t, out, "BACKUPD_MERGE_OS=v")
}

func TestMergeConcurrent(t *testing.T) {
	e := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NotNil(t, e.Merge(From(map[string]string{"A": "1"})))
		}()
		go func() {
			defer wg.Done()
			e.FromPairs([]string{"B=2"})
		}()
	}
	wg.Wait()
	assert.Equal(t, []string{"B=2"}, e.Merge(nil))
}
