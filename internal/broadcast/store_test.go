package broadcast

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/cyclecast/pkg/model"
)

func testAncestors() Ancestors {
	return Ancestors{
		"task1": {"task1", "FAM", "root"},
		"task2": {"task2", "FAM", "root"},
		"task3": {"task3", "root"},
		"FAM":   {"FAM", "root"},
		"root":  {"root"},
	}
}

func testStore(t *testing.T, v Validator) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	return New(testAncestors(), v, logger, WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}))
}

func mustPut(t *testing.T, s *Store, namespaces, cycles []string, settings ...model.Settings) {
	t.Helper()
	ok, msg := s.Put(namespaces, cycles, settings)
	require.True(t, ok, "put rejected: %s", msg)
	require.Equal(t, "OK", msg)
	require.NoError(t, CheckPruned(s.Tree()))
}

func mustGet(t *testing.T, s *Store, taskID string) model.Settings {
	t.Helper()
	got, err := s.Get(taskID)
	require.NoError(t, err)
	return got
}

func TestPut_Idempotent(t *testing.T) {
	s := testStore(t, nil)
	setting := model.Settings{"environment": map[string]any{"FOO": "bar"}}

	mustPut(t, s, []string{"root"}, []string{"all"}, setting)
	tree := s.Tree()
	require.Len(t, s.Journal(), 1)

	mustPut(t, s, []string{"root"}, []string{"all"}, setting)
	assert.Equal(t, tree, s.Tree())
	assert.Len(t, s.Journal(), 1, "second identical put must not journal")
}

func TestPut_UnsetRemovesOverride(t *testing.T) {
	s := testStore(t, nil)
	mustPut(t, s, []string{"root"}, []string{"all"}, model.Settings{"environment": map[string]any{"FOO": "bar"}})
	mustPut(t, s, []string{"root"}, []string{"all"}, model.Settings{"environment": map[string]any{"FOO": ""}})

	assert.Empty(t, s.Tree())
	assert.Empty(t, mustGet(t, s, ""))
	assert.Len(t, s.Journal(), 2)
}

func TestPut_UnsetKeepsSiblings(t *testing.T) {
	s := testStore(t, nil)
	mustPut(t, s, []string{"root"}, []string{"all"},
		model.Settings{"environment": map[string]any{"FOO": "bar", "BAZ": "1"}})
	mustPut(t, s, []string{"root"}, []string{"all"},
		model.Settings{"environment": map[string]any{"FOO": ""}})

	assert.Equal(t, model.Tree{
		"all": {"root": {"environment": map[string]any{"BAZ": "1"}}},
	}, s.Tree())
}

func TestPut_MultipleTargetsAndSettings(t *testing.T) {
	s := testStore(t, nil)
	mustPut(t, s, []string{"task1", "task2"}, []string{"2020010100", "2020010200"},
		model.Settings{"environment": map[string]any{"A": "1"}},
		model.Settings{"environment": map[string]any{"A": "2", "B": "3"}},
	)

	tree := s.Tree()
	require.Len(t, tree, 2)
	for _, cycle := range []string{"2020010100", "2020010200"} {
		for _, ns := range []string{"task1", "task2"} {
			assert.Equal(t, model.Settings{"environment": map[string]any{"A": "2", "B": "3"}},
				tree[cycle][ns], "%s/%s", cycle, ns)
		}
	}
	assert.Len(t, s.Journal(), 1)
}

func TestPut_EmptyTargetsIsNoop(t *testing.T) {
	s := testStore(t, nil)
	ok, msg := s.Put(nil, []string{"all"}, []model.Settings{{"title": "x"}})
	assert.True(t, ok)
	assert.Equal(t, "OK", msg)
	assert.Empty(t, s.Tree())
	assert.Empty(t, s.Journal())
}

func TestPut_RejectsEmptyNames(t *testing.T) {
	tests := []struct {
		name       string
		namespaces []string
		cycles     []string
		want       string
	}{
		{"empty namespace", []string{"root", ""}, []string{"all"}, "empty namespace"},
		{"empty cycle", []string{"root"}, []string{""}, "empty cycle point"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testStore(t, nil)
			ok, msg := s.Put(tt.namespaces, tt.cycles, []model.Settings{{"title": "x"}})
			assert.False(t, ok)
			assert.Equal(t, tt.want, msg)
			assert.Empty(t, s.Tree())
			assert.Empty(t, s.Journal())
		})
	}
}

func TestPut_ValidationGate(t *testing.T) {
	reject := ValidatorFunc(func(fragment map[string]any) error {
		runtime := fragment["runtime"].(map[string]any)
		settings := runtime[placeholderNamespace].(model.Settings)
		if _, bad := settings["bogus"]; bad {
			return errors.New("runtime.(namespace).bogus: field not allowed")
		}
		return nil
	})
	s := testStore(t, reject)
	mustPut(t, s, []string{"root"}, []string{"all"}, model.Settings{"title": "ok"})
	before := s.Tree()
	snap := s.Snapshot()

	ok, msg := s.Put([]string{"root"}, []string{"all"}, []model.Settings{
		{"title": "changed"},
		{"bogus": "x"},
	})
	assert.False(t, ok)
	assert.Contains(t, msg, "field not allowed")
	assert.Equal(t, before, s.Tree())
	assert.Equal(t, snap, s.Snapshot())
	assert.Len(t, s.Journal(), 1)
}

func TestPut_ValidatesEveryItem(t *testing.T) {
	var seen []string
	v := ValidatorFunc(func(fragment map[string]any) error {
		settings := fragment["runtime"].(map[string]any)[placeholderNamespace].(model.Settings)
		seen = append(seen, settings["title"].(string))
		return nil
	})
	s := testStore(t, v)
	mustPut(t, s, []string{"root"}, []string{"all"}, model.Settings{"title": "a"}, model.Settings{"title": "b"})
	assert.Equal(t, []string{"a", "b"}, seen)
}

func TestPut_RejectsUnencodable(t *testing.T) {
	s := testStore(t, nil)
	ok, _ := s.Put([]string{"root"}, []string{"all"}, []model.Settings{{"f": func() {}}})
	assert.False(t, ok)
	assert.Empty(t, s.Tree())
}

func TestGet_NamespaceOverRoot(t *testing.T) {
	s := testStore(t, nil)
	mustPut(t, s, []string{"root"}, []string{"all"}, model.Settings{"command scripting": "X"})
	mustPut(t, s, []string{"task1"}, []string{"all"}, model.Settings{"command scripting": "Y"})

	assert.Equal(t, model.Settings{"command scripting": "Y"}, mustGet(t, s, "task1.2020010100"))
	assert.Equal(t, model.Settings{"command scripting": "X"}, mustGet(t, s, "task2.2020010100"))
}

func TestGet_MostSpecificNamespaceOnly(t *testing.T) {
	s := testStore(t, nil)
	mustPut(t, s, []string{"root"}, []string{"all"}, model.Settings{"environment": map[string]any{"R": "1"}})
	mustPut(t, s, []string{"FAM"}, []string{"all"}, model.Settings{"environment": map[string]any{"F": "1"}})

	// Less specific namespaces in the same scope are not merged in.
	assert.Equal(t, model.Settings{"environment": map[string]any{"F": "1"}}, mustGet(t, s, "task1.1"))
	assert.Equal(t, model.Settings{"environment": map[string]any{"R": "1"}}, mustGet(t, s, "task3.1"))
}

func TestGet_CycleOverAll(t *testing.T) {
	s := testStore(t, nil)
	mustPut(t, s, []string{"root"}, []string{"all"}, model.Settings{"A": "1"})
	mustPut(t, s, []string{"root"}, []string{"2020010100"}, model.Settings{"A": "2"})

	assert.Equal(t, model.Settings{"A": "2"}, mustGet(t, s, "task1.2020010100"))
	assert.Equal(t, model.Settings{"A": "1"}, mustGet(t, s, "task1.2020010200"))
}

func TestGet_MergesAcrossScopes(t *testing.T) {
	s := testStore(t, nil)
	mustPut(t, s, []string{"root"}, []string{"all"}, model.Settings{"environment": map[string]any{"A": "1", "B": "1"}})
	mustPut(t, s, []string{"task1"}, []string{"2020010100"}, model.Settings{"environment": map[string]any{"B": "2"}})

	assert.Equal(t, model.Settings{"environment": map[string]any{"A": "1", "B": "2"}},
		mustGet(t, s, "task1.2020010100"))
}

func TestGet_UnknownNamespace(t *testing.T) {
	s := testStore(t, nil)
	mustPut(t, s, []string{"root"}, []string{"all"}, model.Settings{"A": "1"})
	assert.Empty(t, mustGet(t, s, "ghost.2020010100"))
}

func TestGet_MalformedTaskID(t *testing.T) {
	s := testStore(t, nil)
	_, err := s.Get("task1")
	assert.ErrorIs(t, err, ErrMalformedTaskID)
}

func TestGet_ReturnsCopies(t *testing.T) {
	s := testStore(t, nil)
	mustPut(t, s, []string{"root"}, []string{"all"}, model.Settings{"environment": map[string]any{"A": "1"}})

	all := mustGet(t, s, "")
	all["all"].(map[string]any)["root"].(model.Settings)["environment"].(map[string]any)["A"] = "mutated"

	resolved := mustGet(t, s, "task1.1")
	resolved["environment"].(map[string]any)["A"] = "mutated"

	assert.Equal(t, model.Settings{"environment": map[string]any{"A": "1"}}, mustGet(t, s, "task1.1"))
}

func TestExpire_Boundary(t *testing.T) {
	s := testStore(t, nil)
	for _, cycle := range []string{"all", "2020010100", "2020010200", "2020010300"} {
		mustPut(t, s, []string{"root"}, []string{cycle}, model.Settings{"title": cycle})
	}

	s.Expire("2020010200")

	tree := s.Tree()
	assert.Contains(t, tree, "all")
	assert.NotContains(t, tree, "2020010100")
	assert.Contains(t, tree, "2020010200")
	assert.Contains(t, tree, "2020010300")
	assert.Len(t, s.Journal(), 5)
}

func TestExpire_NoCutoffClearsAll(t *testing.T) {
	s := testStore(t, nil)
	mustPut(t, s, []string{"root"}, []string{"all", "2020010100"}, model.Settings{"title": "x"})
	s.Expire("")
	assert.Empty(t, s.Tree())
}

func TestClear_Journals(t *testing.T) {
	s := testStore(t, nil)
	s.Clear()
	assert.Empty(t, s.Journal(), "clearing an empty tree changes nothing")

	mustPut(t, s, []string{"root"}, []string{"all"}, model.Settings{"title": "x"})
	s.Clear()
	journal := s.Journal()
	require.Len(t, journal, 2)

	empty, err := EncodeTree(nil)
	require.NoError(t, err)
	assert.Equal(t, empty, journal[1].Snapshot)
	assert.True(t, journal[1].Timestamp.After(journal[0].Timestamp))
}

func TestDrainJournal(t *testing.T) {
	s := testStore(t, nil)
	mustPut(t, s, []string{"root"}, []string{"all"}, model.Settings{"title": "a"})
	mustPut(t, s, []string{"root"}, []string{"all"}, model.Settings{"title": "b"})

	first := s.DrainJournal()
	require.Len(t, first, 2)
	assert.True(t, first[0].Timestamp.Before(first[1].Timestamp))
	assert.Contains(t, string(first[0].Snapshot), `"title":"a"`)
	assert.Contains(t, string(first[1].Snapshot), `"title":"b"`)

	assert.Empty(t, s.DrainJournal())

	mustPut(t, s, []string{"root"}, []string{"all"}, model.Settings{"title": "c"})
	third := s.DrainJournal()
	require.Len(t, third, 1)
	assert.Contains(t, string(third[0].Snapshot), `"title":"c"`)

	all := s.Journal()
	require.Len(t, all, 3)
	for _, rec := range all {
		assert.False(t, rec.Pending)
	}
	assert.Equal(t, 0, s.Stats().JournalPending)
}

func TestRestore_RoundTrip(t *testing.T) {
	s := testStore(t, nil)
	mustPut(t, s, []string{"root"}, []string{"all"}, model.Settings{"environment": map[string]any{"A": "1"}})
	mustPut(t, s, []string{"task1"}, []string{"2020010100"}, model.Settings{"retries": 3, "command scripting": "run"})

	snap := s.Snapshot()
	restored := testStore(t, nil)
	require.NoError(t, restored.Restore(snap))

	assert.Equal(t, snap, restored.Snapshot())
	for _, id := range []string{"task1.2020010100", "task1.2020010200", "task2.2020010100", "task3.1"} {
		want, err := s.Get(id)
		require.NoError(t, err)
		got, err := restored.Get(id)
		require.NoError(t, err)
		wantJSON, _ := EncodeTree(model.Tree{"x": {"y": want}})
		gotJSON, _ := EncodeTree(model.Tree{"x": {"y": got}})
		assert.Equal(t, string(wantJSON), string(gotJSON), id)
	}
	assert.Empty(t, restored.Journal(), "restore does not journal")

	// The restored snapshot is the diff baseline.
	mustPut(t, restored, []string{"root"}, []string{"all"}, model.Settings{"environment": map[string]any{"A": "1"}})
	assert.Empty(t, restored.Journal())
}

func TestRestore_MalformedKeepsTree(t *testing.T) {
	s := testStore(t, nil)
	mustPut(t, s, []string{"root"}, []string{"all"}, model.Settings{"title": "keep"})
	before := s.Snapshot()

	err := s.Restore([]byte("cyclecast-broadcast/v1 {not json"))
	assert.ErrorIs(t, err, ErrMalformedSnapshot)
	assert.Equal(t, before, s.Snapshot())
	assert.Equal(t, model.Settings{"title": "keep"}, mustGet(t, s, "task1.1"))
}

func TestRestore_PrunesInput(t *testing.T) {
	s := testStore(t, nil)
	require.NoError(t, s.Restore([]byte(`cyclecast-broadcast/v1 {"all":{"root":{"environment":{"A":""}},"FAM":{"title":"x"}},"2020010100":{}}`)))
	assert.Equal(t, model.Tree{"all": {"FAM": {"title": "x"}}}, s.Tree())
}

func TestDumpLoad(t *testing.T) {
	s := testStore(t, nil)
	mustPut(t, s, []string{"root"}, []string{"all"}, model.Settings{"title": "x"})

	var buf bytes.Buffer
	require.NoError(t, s.Dump(&buf))
	assert.True(t, bytes.HasSuffix(buf.Bytes(), []byte("}\n")))

	loaded := testStore(t, nil)
	require.NoError(t, loaded.Load(buf.Bytes()))
	assert.Equal(t, s.Tree(), loaded.Tree())
	assert.Equal(t, s.Snapshot(), loaded.Snapshot())
}

func TestLoad_Journals(t *testing.T) {
	src := testStore(t, nil)
	mustPut(t, src, []string{"root"}, []string{"all"}, model.Settings{"script": "B"})
	var dump bytes.Buffer
	require.NoError(t, src.Dump(&dump))

	s := testStore(t, nil)
	mustPut(t, s, []string{"root"}, []string{"all"}, model.Settings{"script": "A"})
	s.DrainJournal()

	require.NoError(t, s.Load(dump.Bytes()))
	pending := s.DrainJournal()
	require.Len(t, pending, 1)
	assert.Equal(t, src.Snapshot(), pending[0].Snapshot)

	require.NoError(t, s.Load(dump.Bytes()))
	assert.Empty(t, s.DrainJournal(), "loading the held tree again changes nothing")
}

func TestLoad_MalformedKeepsTree(t *testing.T) {
	s := testStore(t, nil)
	mustPut(t, s, []string{"root"}, []string{"all"}, model.Settings{"title": "x"})
	before := s.Tree()

	require.ErrorIs(t, s.Load([]byte("garbage\n")), ErrMalformedSnapshot)
	assert.Equal(t, before, s.Tree())
	assert.Len(t, s.Journal(), 1)
}

func TestNew_SnapshotMatchesEmptyEncoding(t *testing.T) {
	empty, err := EncodeTree(nil)
	require.NoError(t, err)
	assert.Equal(t, empty, testStore(t, nil).Snapshot())

	s := testStore(t, nil)
	s.Clear()
	assert.Empty(t, s.Journal(), "clearing an empty store journals nothing")
}

func TestSetAncestors(t *testing.T) {
	s := testStore(t, nil)
	mustPut(t, s, []string{"NEWFAM"}, []string{"all"}, model.Settings{"title": "new"})
	assert.Empty(t, mustGet(t, s, "task1.1"))

	s.SetAncestors(Ancestors{"task1": {"task1", "NEWFAM", "root"}})
	assert.Equal(t, model.Settings{"title": "new"}, mustGet(t, s, "task1.1"))
}

func TestStats(t *testing.T) {
	s := testStore(t, nil)
	mustPut(t, s, []string{"root", "FAM"}, []string{"all", "2020010100"}, model.Settings{"title": "x"})
	st := s.Stats()
	assert.Equal(t, 2, st.Scopes)
	assert.Equal(t, 4, st.Namespaces)
	assert.Equal(t, 1, st.JournalTotal)
	assert.Equal(t, 1, st.JournalPending)
}

func TestStore_ConcurrentAccess(t *testing.T) {
	s := testStore(t, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				key := fmt.Sprintf("K%d", i)
				s.Put([]string{"root"}, []string{"all"}, []model.Settings{{"environment": map[string]any{key: fmt.Sprint(j + 1)}}})
				if _, err := s.Get("task1.2020010100"); err != nil {
					t.Error(err)
					return
				}
				_ = s.Snapshot()
				_ = s.DrainJournal()
			}
		}(i)
	}
	wg.Wait()

	require.NoError(t, CheckPruned(s.Tree()))
	env := mustGet(t, s, "task1.1")["environment"].(map[string]any)
	assert.Len(t, env, 8)
	for i := 0; i < 8; i++ {
		assert.Equal(t, "50", env[fmt.Sprintf("K%d", i)])
	}
}
