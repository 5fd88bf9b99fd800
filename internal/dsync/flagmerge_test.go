package dsync

import (
	"sort"
	"testing"

	"github.com/fenilsonani/mailstore/internal/index"
)

func TestMergeFlagsNoConflict(t *testing.T) {
	// Local added Seen, remote added Flagged: both apply.
	add, remove := MergeFlags(
		index.FlagSeen, index.FlagSeen, 0,
		index.FlagFlagged, index.FlagFlagged, 0,
		false)
	if !add.Has(index.FlagFlagged) {
		t.Error("remote add lost")
	}
	if remove != 0 {
		t.Errorf("unexpected removes: %v", remove)
	}
	if add.Has(index.FlagSeen) {
		t.Error("already-set local flag re-added")
	}
}

func TestMergeFlagsConflictPrefersRemote(t *testing.T) {
	// Local removes Seen, remote adds Seen.
	add, remove := MergeFlags(
		0, 0, index.FlagSeen,
		index.FlagSeen, index.FlagSeen, 0,
		true)
	if !add.Has(index.FlagSeen) {
		t.Error("remote add lost the conflict despite prefer_remote")
	}
	if remove.Has(index.FlagSeen) {
		t.Error("conflicting remove survived")
	}
}

func TestMergeFlagsConflictPrefersLocal(t *testing.T) {
	add, remove := MergeFlags(
		index.FlagSeen, 0, index.FlagSeen,
		index.FlagSeen, index.FlagSeen, 0,
		false)
	if add.Has(index.FlagSeen) {
		t.Error("remote add won despite prefer_local")
	}
	if !remove.Has(index.FlagSeen) {
		t.Error("local remove lost")
	}
}

func TestMergeFlagsSymmetric(t *testing.T) {
	// Both sides make the mirrored call; the resulting final states
	// must agree.
	localFinal := index.FlagSeen | index.FlagDraft
	remoteFinal := index.FlagSeen | index.FlagFlagged

	addL, removeL := MergeFlags(localFinal, 0, 0, remoteFinal, 0, 0, true)
	finalLocal := (localFinal | addL) &^ removeL

	addR, removeR := MergeFlags(remoteFinal, 0, 0, localFinal, 0, 0, false)
	finalRemote := (remoteFinal | addR) &^ removeR

	if finalLocal != finalRemote {
		t.Errorf("asymmetric merge: local %v, remote %v", finalLocal, finalRemote)
	}
}

func TestMergeKeywords(t *testing.T) {
	add, remove := MergeKeywords(
		KeywordState{Final: []string{"$Label1", "$Work"}},
		KeywordState{Final: []string{"$Label1"}, Add: []string{"$Urgent"}, Remove: []string{"$Work"}},
		true)

	sort.Strings(add)
	if len(add) != 1 || add[0] != "$Urgent" {
		t.Errorf("add = %v, want [$Urgent]", add)
	}
	if len(remove) != 1 || remove[0] != "$Work" {
		t.Errorf("remove = %v, want [$Work]", remove)
	}
}

func TestMergeKeywordsManyNamesCrossWordBoundary(t *testing.T) {
	// Force more than 32 names so the merge spans bitmap words.
	var localFinal []string
	for i := 0; i < 40; i++ {
		localFinal = append(localFinal, "$K"+string(rune('A'+i%26))+string(rune('0'+i/26)))
	}
	remote := KeywordState{Add: []string{localFinal[35]}, Remove: []string{localFinal[2]}}

	add, remove := MergeKeywords(KeywordState{Final: localFinal[:35]}, remote, true)
	foundAdd := false
	for _, n := range add {
		if n == localFinal[35] {
			foundAdd = true
		}
	}
	if !foundAdd {
		t.Error("add in second bitmap word lost")
	}
	foundRemove := false
	for _, n := range remove {
		if n == localFinal[2] {
			foundRemove = true
		}
	}
	if !foundRemove {
		t.Error("remove in first bitmap word lost")
	}
}
