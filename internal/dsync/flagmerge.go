package dsync

import (
	"github.com/fenilsonani/mailstore/internal/index"
)

// MergeFlags merges the two sides' flag state for one message into the
// delta to apply locally. Conflicts where one side adds what the other
// removes resolve toward the remote side when preferRemote is set; both
// sides of a sync call this with opposite preferRemote so they make the
// symmetric choice.
func MergeFlags(localFinal, localAdd, localRemove,
	remoteFinal, remoteAdd, remoteRemove index.Flags,
	preferRemote bool) (add, remove index.Flags) {

	add = localAdd | remoteAdd
	remove = localRemove | remoteRemove

	if conflict := add & remove; conflict != 0 {
		if preferRemote {
			// Per conflicting bit, do what the remote asked.
			add &^= conflict &^ remoteAdd
			remove &^= conflict & remoteAdd
		} else {
			add &^= conflict &^ localAdd
			remove &^= conflict & localAdd
		}
	}

	// Bits where the finals disagree without a recorded change: a
	// change was missed somewhere. Align to the preferred side.
	undecided := (localFinal ^ remoteFinal) &^ (add | remove)
	if undecided != 0 {
		if preferRemote {
			add |= undecided & remoteFinal
			remove |= undecided &^ remoteFinal
		} else {
			add |= undecided & localFinal
			remove |= undecided &^ localFinal
		}
	}

	// The delta is relative to the local state.
	add &^= localFinal
	remove &= localFinal
	return add, remove
}

// keywordWords is one side's keyword state as bitmap words over a shared
// namespace.
type keywordWords struct {
	final  []uint32
	add    []uint32
	remove []uint32
}

// KeywordState is one side's keyword view of a message.
type KeywordState struct {
	Final  []string
	Add    []string
	Remove []string
}

// MergeKeywords merges keyword changes: both sides' names are interned
// into one namespace indexed by position, converted to 32-bit bitmap
// words, and the flag-merge procedure reruns on each word.
func MergeKeywords(local, remote KeywordState, preferRemote bool) (add, remove []string) {
	namespace := make(map[string]int)
	var names []string
	intern := func(name string) int {
		if i, ok := namespace[name]; ok {
			return i
		}
		namespace[name] = len(names)
		names = append(names, name)
		return len(names) - 1
	}
	for _, set := range [][]string{local.Final, local.Add, local.Remove, remote.Final, remote.Add, remote.Remove} {
		for _, name := range set {
			intern(name)
		}
	}

	words := (len(names) + 31) / 32
	toWords := func(s KeywordState) keywordWords {
		w := keywordWords{
			final:  make([]uint32, words),
			add:    make([]uint32, words),
			remove: make([]uint32, words),
		}
		set := func(dst []uint32, names []string) {
			for _, name := range names {
				i := namespace[name]
				dst[i/32] |= 1 << uint(i%32)
			}
		}
		set(w.final, s.Final)
		set(w.add, s.Add)
		set(w.remove, s.Remove)
		return w
	}
	lw, rw := toWords(local), toWords(remote)

	for wi := 0; wi < words; wi++ {
		addW, removeW := MergeFlags(
			index.Flags(lw.final[wi]), index.Flags(lw.add[wi]), index.Flags(lw.remove[wi]),
			index.Flags(rw.final[wi]), index.Flags(rw.add[wi]), index.Flags(rw.remove[wi]),
			preferRemote)
		for bit := 0; bit < 32; bit++ {
			i := wi*32 + bit
			if i >= len(names) {
				break
			}
			if addW&(1<<uint(bit)) != 0 {
				add = append(add, names[i])
			}
			if removeW&(1<<uint(bit)) != 0 {
				remove = append(remove, names[i])
			}
		}
	}
	return add, remove
}
