package metrics

import "time"

type testRecorder struct {
	applyChangeDurations map[StreamLabel]int
	applyChangeResults   map[StreamLabel]map[string]int
	retries              map[StreamLabel]int
	retriesExhausted     map[StreamLabel]int
	cacheLookups         map[StreamLabel]map[bool]int
	activeCarets         map[string]int
	docOpens             map[OpenStatusLabel]int
}

func newTestRecorder() *testRecorder {
	return &testRecorder{
		applyChangeDurations: map[StreamLabel]int{},
		applyChangeResults:   map[StreamLabel]map[string]int{},
		retries:              map[StreamLabel]int{},
		retriesExhausted:     map[StreamLabel]int{},
		cacheLookups:         map[StreamLabel]map[bool]int{},
		activeCarets:         map[string]int{},
		docOpens:             map[OpenStatusLabel]int{},
	}
}

func (t *testRecorder) ObserveApplyChangeDuration(stream StreamLabel, _ time.Duration, _ int) {
	t.applyChangeDurations[stream]++
}

func (t *testRecorder) IncApplyChangeResult(stream StreamLabel, wireCode string) {
	m, ok := t.applyChangeResults[stream]
	if !ok {
		m = map[string]int{}
		t.applyChangeResults[stream] = m
	}
	m[wireCode]++
}

func (t *testRecorder) IncRetryAttempt(stream StreamLabel)   { t.retries[stream]++ }
func (t *testRecorder) IncRetryExhausted(stream StreamLabel) { t.retriesExhausted[stream]++ }

func (t *testRecorder) ObserveSnapshotCacheLookup(stream StreamLabel, hit bool) {
	m, ok := t.cacheLookups[stream]
	if !ok {
		m = map[bool]int{}
		t.cacheLookups[stream] = m
	}
	m[hit]++
}

func (t *testRecorder) SetSnapshotCacheSize(StreamLabel, int) {}
func (t *testRecorder) SetActiveCarets(docID string, n int)   { t.activeCarets[docID] = n }
func (t *testRecorder) IncCaretReaped(string)                 {}
func (t *testRecorder) IncDocOpen(status OpenStatusLabel)     { t.docOpens[status]++ }
func (t *testRecorder) SetActiveDocs(int)                     {}
func (t *testRecorder) ObserveChangeAfterWait(StreamLabel, time.Duration, bool) {}
