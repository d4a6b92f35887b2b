package versioning

import (
	"math/rand"
	"reflect"
	"slices"
	"testing"
	"time"

	"stepdocs/api/internal/store"
)

var baseTime = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func at(minutes int) time.Time {
	return baseTime.Add(time.Duration(minutes) * time.Minute)
}

func strPtr(value string) *string {
	return &value
}

func newDoc(id, session string, docType store.DocumentType, createdAt time.Time) store.Document {
	doc := store.Document{
		ID:           id,
		StepID:       "step-1",
		DocumentType: docType,
		OriginalName: id + ".pdf",
		StorageKey:   "steps/step-1/" + id,
		DownloadURL:  "https://files.local/" + id,
		SizeBytes:    1024,
		MimeType:     "application/pdf",
		UploadedBy:   "user-1",
		CreatedAt:    createdAt,
	}
	if session != "" {
		doc.SessionID = strPtr(session)
	}
	return doc
}

func findDoc(t *testing.T, docs []store.Document, id string) store.Document {
	t.Helper()
	for _, doc := range docs {
		if doc.ID == id {
			return doc
		}
	}
	t.Fatalf("document %s not found", id)
	return store.Document{}
}

func idsOf(docs []store.Document) []string {
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.ID)
	}
	return ids
}

func assertConsistent(t *testing.T, docs []store.Document) {
	t.Helper()
	if violations := Verify(docs); len(violations) > 0 {
		t.Fatalf("expected consistent snapshot, got %v", violations)
	}
}

func TestGroupSessionsOrdersByEarliestThenID(t *testing.T) {
	docs := []store.Document{
		newDoc("d3", "s-b", store.DocContract, at(10)),
		newDoc("d1", "s-a", store.DocContract, at(10)),
		newDoc("d2", "s-c", store.DocInspection, at(5)),
		newDoc("d4", "s-b", store.DocAppraisal, at(20)),
		newDoc("legacy", "", store.DocContract, at(1)),
	}

	sessions := GroupSessions(docs)
	if len(sessions) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(sessions))
	}
	gotIDs := []string{sessions[0].ID, sessions[1].ID, sessions[2].ID}
	wantIDs := []string{"s-c", "s-a", "s-b"}
	if !reflect.DeepEqual(gotIDs, wantIDs) {
		t.Fatalf("session order = %v, want %v", gotIDs, wantIDs)
	}
	for i, session := range sessions {
		if session.Number != i+1 {
			t.Fatalf("session %s numbered %d, want %d", session.ID, session.Number, i+1)
		}
	}
	if len(sessions[2].Documents) != 2 || !sessions[2].CreatedAt.Equal(at(10)) {
		t.Fatalf("unexpected session s-b: %+v", sessions[2])
	}
}

func TestGroupSessionsEmpty(t *testing.T) {
	sessions := GroupSessions([]store.Document{newDoc("legacy", "", store.DocContract, at(0))})
	if sessions == nil || len(sessions) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", sessions)
	}
}

func TestDedupPolicies(t *testing.T) {
	session := Session{
		ID: "s1",
		Documents: []store.Document{
			newDoc("late", "s1", store.DocContract, at(9)),
			newDoc("early", "s1", store.DocContract, at(3)),
			newDoc("insp", "s1", store.DocInspection, at(4)),
		},
	}

	cases := []struct {
		name    string
		policy  DedupPolicy
		kept    string
		removed string
	}{
		{name: "keep earliest", policy: KeepEarliest{}, kept: "early", removed: "late"},
		{name: "keep latest", policy: KeepLatest{}, kept: "late", removed: "early"},
		{name: "nil policy", policy: nil, kept: "early", removed: "late"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			kept, removed, conflicts := Dedup(session, tc.policy)
			if len(conflicts) != 0 {
				t.Fatalf("unexpected conflicts: %+v", conflicts)
			}
			if len(kept) != 2 || len(removed) != 1 {
				t.Fatalf("kept=%d removed=%d", len(kept), len(removed))
			}
			findDoc(t, kept, tc.kept)
			findDoc(t, kept, "insp")
			if removed[0].ID != tc.removed {
				t.Fatalf("removed %s, want %s", removed[0].ID, tc.removed)
			}
		})
	}
}

func TestDedupTieResolvedByIDAndReported(t *testing.T) {
	session := Session{
		ID: "s1",
		Documents: []store.Document{
			newDoc("doc-b", "s1", store.DocContract, at(1)),
			newDoc("doc-a", "s1", store.DocContract, at(1)),
		},
	}
	kept, removed, conflicts := Dedup(session, KeepEarliest{})
	if kept[0].ID != "doc-a" || removed[0].ID != "doc-b" {
		t.Fatalf("tie should keep doc-a, kept=%s removed=%s", kept[0].ID, removed[0].ID)
	}
	if len(conflicts) != 1 || conflicts[0].KeptID != "doc-a" || !reflect.DeepEqual(conflicts[0].TiedIDs, []string{"doc-b"}) {
		t.Fatalf("unexpected conflicts: %+v", conflicts)
	}
}

func TestPolicyByName(t *testing.T) {
	for name, want := range map[string]string{
		"":              PolicyKeepEarliest,
		"keep-earliest": PolicyKeepEarliest,
		" KEEP-LATEST ": PolicyKeepLatest,
	} {
		policy, err := PolicyByName(name)
		if err != nil {
			t.Fatalf("PolicyByName(%q) error = %v", name, err)
		}
		if policy.Name() != want {
			t.Fatalf("PolicyByName(%q) = %s, want %s", name, policy.Name(), want)
		}
	}
	if _, err := PolicyByName("keep-random"); err == nil {
		t.Fatal("expected unknown policy to fail")
	}
}

func TestAssignVersionsIndependentPerType(t *testing.T) {
	sessions := GroupSessions([]store.Document{
		newDoc("c1", "s1", store.DocContract, at(0)),
		newDoc("c2", "s2", store.DocContract, at(10)),
		newDoc("i1", "s2", store.DocInspection, at(11)),
		newDoc("c3", "s3", store.DocContract, at(20)),
	})
	docs := AssignVersions(sessions)

	want := map[string]struct {
		version int
		current bool
	}{
		"c1": {1, false},
		"c2": {2, false},
		"c3": {3, true},
		"i1": {1, true},
	}
	for id, w := range want {
		doc := findDoc(t, docs, id)
		if doc.Version != w.version || doc.IsCurrent != w.current {
			t.Fatalf("%s: version=%d current=%v, want %d %v", id, doc.Version, doc.IsCurrent, w.version, w.current)
		}
	}
}

func TestLinkSupersessionAndWalkChain(t *testing.T) {
	docs := AssignVersions(GroupSessions([]store.Document{
		newDoc("c1", "s1", store.DocContract, at(0)),
		newDoc("c2", "s2", store.DocContract, at(10)),
		newDoc("c3", "s3", store.DocContract, at(20)),
	}))
	LinkSupersession(docs)

	chain, err := WalkChain(docs, store.DocContract)
	if err != nil {
		t.Fatalf("WalkChain() error = %v", err)
	}
	var ids []string
	for _, doc := range chain {
		ids = append(ids, doc.ID)
	}
	if !reflect.DeepEqual(ids, []string{"c1", "c2", "c3"}) {
		t.Fatalf("chain = %v", ids)
	}
	c1 := findDoc(t, docs, "c1")
	if c1.SupersededAt == nil || !c1.SupersededAt.Equal(at(10)) {
		t.Fatalf("c1 superseded_at = %v, want %v", c1.SupersededAt, at(10))
	}
	c3 := findDoc(t, docs, "c3")
	if c3.SupersededByID != nil || c3.SupersededAt != nil {
		t.Fatalf("current document must not be superseded: %+v", c3)
	}
}

func TestWalkChainDetectsCycle(t *testing.T) {
	a := newDoc("a", "s1", store.DocContract, at(0))
	b := newDoc("b", "s2", store.DocContract, at(1))
	a.Version, b.Version = 1, 2
	a.SupersededByID = strPtr("b")
	b.SupersededByID = strPtr("a")

	_, err := WalkChain([]store.Document{a, b}, store.DocContract)
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if len(Verify([]store.Document{a, b})) == 0 {
		t.Fatal("expected Verify to report the cycle")
	}
}

// Scenarios A through E follow one step across two sessions.

func TestScenarioFirstSession(t *testing.T) {
	plan := BuildPlan([]store.Document{newDoc("contract-1", "s1", store.DocContract, at(0))}, KeepEarliest{})
	doc := findDoc(t, plan.Documents, "contract-1")
	if doc.Version != 1 || !doc.IsCurrent || doc.SupersededByID != nil || doc.SupersededAt != nil {
		t.Fatalf("unexpected document: %+v", doc)
	}
	assertConsistent(t, plan.Documents)
}

func scenarioDocs() []store.Document {
	return []store.Document{
		newDoc("contract-1", "s1", store.DocContract, at(0)),
		newDoc("contract-2a", "s2", store.DocContract, at(60)),
		newDoc("inspection-1", "s2", store.DocInspection, at(60)),
		newDoc("contract-2b", "s2", store.DocContract, at(75)),
		newDoc("legacy", "", store.DocContract, at(90)),
	}
}

func TestScenarioSecondSessionSupersedes(t *testing.T) {
	docs := scenarioDocs()[:3]
	plan := BuildPlan(docs, KeepEarliest{})

	v1 := findDoc(t, plan.Documents, "contract-1")
	v2 := findDoc(t, plan.Documents, "contract-2a")
	insp := findDoc(t, plan.Documents, "inspection-1")
	if v1.IsCurrent || v1.SupersededByID == nil || *v1.SupersededByID != "contract-2a" || !v1.SupersededAt.Equal(at(60)) {
		t.Fatalf("contract v1 not superseded correctly: %+v", v1)
	}
	if v2.Version != 2 || !v2.IsCurrent {
		t.Fatalf("contract v2 wrong: %+v", v2)
	}
	if insp.Version != 1 || !insp.IsCurrent {
		t.Fatalf("inspection wrong: %+v", insp)
	}
	assertConsistent(t, plan.Documents)
}

func TestScenarioDuplicateInSessionKeepsEarliest(t *testing.T) {
	plan := BuildPlan(scenarioDocs(), KeepEarliest{})
	if !reflect.DeepEqual(plan.RemovedIDs(), []string{"contract-2b"}) {
		t.Fatalf("removed = %v", plan.RemovedIDs())
	}
	kept := findDoc(t, plan.Documents, "contract-2a")
	if kept.Version != 2 || !kept.IsCurrent {
		t.Fatalf("contract-2a should be current v2: %+v", kept)
	}
	for _, doc := range plan.Documents {
		if doc.ID == "contract-2b" {
			t.Fatal("duplicate still present in snapshot")
		}
	}
	assertConsistent(t, plan.Documents)
}

func TestScenarioCurrentDocuments(t *testing.T) {
	current := Current(Materialize(scenarioDocs(), KeepEarliest{}))
	if len(current) != 2 {
		t.Fatalf("expected 2 current documents, got %d", len(current))
	}
	if current[0].ID != "contract-2a" || current[0].Version != 2 || current[0].SessionNumber != 2 {
		t.Fatalf("unexpected contract: %+v", current[0])
	}
	if current[1].ID != "inspection-1" || current[1].Version != 1 || current[1].SessionNumber != 1 {
		t.Fatalf("unexpected inspection: %+v", current[1])
	}
	for _, doc := range current {
		if doc.TotalSessions != 2 || !doc.IsLatestSession {
			t.Fatalf("bad annotation on %s: %+v", doc.ID, doc)
		}
	}
}

func TestScenarioUnversionedDocumentsAreInvisible(t *testing.T) {
	docs := Materialize(scenarioDocs(), KeepEarliest{})
	legacy := findDoc(t, docs, "legacy")
	if legacy.Version != 0 || legacy.IsCurrent {
		t.Fatalf("legacy document was versioned: %+v", legacy)
	}
	for _, doc := range Current(docs) {
		if doc.ID == "legacy" {
			t.Fatal("legacy document returned as current")
		}
	}
	for _, session := range History(docs, NewestFirst) {
		for _, doc := range session.Documents {
			if doc.ID == "legacy" {
				t.Fatal("legacy document returned in history")
			}
		}
	}

	onlyLegacy := []store.Document{newDoc("legacy", "", store.DocContract, at(0))}
	if got := Current(onlyLegacy); len(got) != 0 {
		t.Fatalf("expected no current documents, got %d", len(got))
	}
	if got := History(onlyLegacy, OldestFirst); len(got) != 0 {
		t.Fatalf("expected no history, got %d", len(got))
	}
}

func TestHistoryOrderingAndAnnotations(t *testing.T) {
	docs := Materialize([]store.Document{
		newDoc("c1", "s1", store.DocContract, at(0)),
		newDoc("i1", "s1", store.DocInspection, at(1)),
		newDoc("c2", "s2", store.DocContract, at(10)),
		newDoc("c3", "s3", store.DocContract, at(20)),
		newDoc("i2", "s3", store.DocInspection, at(21)),
	}, KeepEarliest{})

	newest := History(docs, NewestFirst)
	if len(newest) != 2 {
		t.Fatalf("expected 2 history sessions, got %d", len(newest))
	}
	if newest[0].SessionID != "s2" || newest[1].SessionID != "s1" {
		t.Fatalf("newest-first order wrong: %s, %s", newest[0].SessionID, newest[1].SessionID)
	}
	if newest[1].DocumentCount != 2 || newest[1].SessionNumber != 1 || newest[1].TotalSessions != 3 || newest[1].IsLatestSession {
		t.Fatalf("bad annotations: %+v", newest[1])
	}

	oldest := History(docs, OldestFirst)
	if oldest[0].SessionID != "s1" {
		t.Fatalf("oldest-first order wrong: %s", oldest[0].SessionID)
	}
}

func TestParseOrder(t *testing.T) {
	if order, err := ParseOrder(""); err != nil || order != NewestFirst {
		t.Fatalf("ParseOrder(\"\") = %v, %v", order, err)
	}
	if order, err := ParseOrder("oldest"); err != nil || order != OldestFirst {
		t.Fatalf("ParseOrder(oldest) = %v, %v", order, err)
	}
	if _, err := ParseOrder("sideways"); err == nil {
		t.Fatal("expected error for unknown order")
	}
}

func TestBuildPlanIsIdempotent(t *testing.T) {
	first := BuildPlan(scenarioDocs(), KeepEarliest{})
	if !first.Changed() {
		t.Fatal("first rebuild should change rows")
	}
	second := BuildPlan(first.Documents, KeepEarliest{})
	if second.Changed() {
		t.Fatalf("second rebuild changed rows: updates=%d removed=%d", len(second.Updates), len(second.Removed))
	}
	if !reflect.DeepEqual(first.Documents, second.Documents) {
		t.Fatal("second rebuild produced different rows")
	}
}

func TestBuildPlanKeepLatestIsIdempotent(t *testing.T) {
	docs := []store.Document{
		newDoc("c1", "s1", store.DocContract, at(0)),
		newDoc("i1", "s2", store.DocInspection, at(5)),
		newDoc("c2", "s1", store.DocContract, at(30)),
	}
	first := BuildPlan(docs, KeepLatest{})
	if !reflect.DeepEqual(first.RemovedIDs(), []string{"c1"}) {
		t.Fatalf("removed = %v", first.RemovedIDs())
	}
	assertConsistent(t, first.Documents)
	if second := BuildPlan(first.Documents, KeepLatest{}); second.Changed() {
		t.Fatal("keep-latest rebuild is not idempotent")
	}
}

func TestBuildPlanRepairsCorruptedRows(t *testing.T) {
	docs := Materialize(scenarioDocs(), KeepEarliest{})
	corrupted := store.CloneDocuments(docs)
	for i := range corrupted {
		corrupted[i].IsCurrent = true
		corrupted[i].Version = 7
		corrupted[i].SupersededByID = strPtr("nowhere")
	}
	if len(Verify(corrupted)) == 0 {
		t.Fatal("expected violations on corrupted rows")
	}

	plan := BuildPlan(corrupted, KeepEarliest{})
	assertConsistent(t, plan.Documents)
	legacy := findDoc(t, plan.Documents, "legacy")
	if legacy.IsCurrent || legacy.Version != 0 || legacy.SupersededByID != nil || legacy.SupersededAt != nil {
		t.Fatalf("legacy row keeps derived fields: %+v", legacy)
	}
	if !slices.Contains(idsOf(plan.Updates), "legacy") {
		t.Fatalf("expected legacy row in updates, got %v", idsOf(plan.Updates))
	}
	for _, doc := range plan.Documents {
		if !doc.Versioned() {
			continue
		}
		want := findDoc(t, docs, doc.ID)
		if !doc.SameVersioning(want) {
			t.Fatalf("%s not repaired: %+v", doc.ID, doc)
		}
	}
}

func TestVerifyFlagsStaleFieldsWithoutSession(t *testing.T) {
	stale := newDoc("legacy", "", store.DocContract, at(0))
	stale.Version = 2
	violations := Verify([]store.Document{stale})
	if len(violations) != 1 || violations[0].Kind != ViolationUnversionedMarked {
		t.Fatalf("expected one unversioned violation, got %v", violations)
	}

	plan := BuildPlan([]store.Document{stale}, KeepEarliest{})
	if !reflect.DeepEqual(idsOf(plan.Updates), []string{"legacy"}) {
		t.Fatalf("expected legacy reset, got %v", idsOf(plan.Updates))
	}
	assertConsistent(t, plan.Documents)
	if again := BuildPlan(plan.Documents, KeepEarliest{}); again.Changed() {
		t.Fatal("reset of unversioned row is not idempotent")
	}
}

func TestStateOf(t *testing.T) {
	docs := Materialize(scenarioDocs(), KeepEarliest{})
	cases := map[string]State{
		"legacy":       StateUnversioned,
		"contract-1":   StateHistorical,
		"contract-2a":  StateCurrent,
		"inspection-1": StateCurrent,
	}
	for id, want := range cases {
		if got := StateOf(findDoc(t, docs, id)); got != want {
			t.Fatalf("StateOf(%s) = %s, want %s", id, got, want)
		}
	}
}

// randomUploads builds a sequence of uploads over a few sessions and types
// with frequent duplicates and timestamp ties.
func randomUploads(rng *rand.Rand, n int) []store.Document {
	types := []store.DocumentType{store.DocContract, store.DocInspection, store.DocAppraisal}
	sessions := []string{"s1", "s2", "s3", "s4", ""}
	out := make([]store.Document, 0, n)
	for i := 0; i < n; i++ {
		session := sessions[rng.Intn(len(sessions))]
		doc := newDoc(
			"doc-"+string(rune('a'+i/26))+string(rune('a'+i%26)),
			session,
			types[rng.Intn(len(types))],
			at(rng.Intn(40)),
		)
		out = append(out, doc)
	}
	return out
}

func TestRebuildPropertiesRandomized(t *testing.T) {
	for seed := int64(1); seed <= 200; seed++ {
		rng := rand.New(rand.NewSource(seed))
		uploads := randomUploads(rng, 2+rng.Intn(20))

		// Apply uploads one at a time, rebuilding after each, the way the
		// service does.
		var stored []store.Document
		for _, upload := range uploads {
			stored = append(stored, upload)
			stored = BuildPlan(stored, KeepEarliest{}).Documents
			if violations := Verify(stored); len(violations) > 0 {
				t.Fatalf("seed %d: violations after upload %s: %v", seed, upload.ID, violations)
			}
		}

		// The incremental result equals a single rebuild over all uploads,
		// whatever order the rows come back in.
		shuffled := store.CloneDocuments(uploads)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		batch := Materialize(shuffled, KeepEarliest{})
		if !reflect.DeepEqual(batch, stored) {
			t.Fatalf("seed %d: batch rebuild differs from incremental rebuild", seed)
		}

		checkAtMostOneCurrent(t, seed, stored)
		checkVersionsGapFree(t, seed, stored)
		checkChainsVisitEveryVersion(t, seed, stored)
		checkEarliestKept(t, seed, uploads, stored)

		if BuildPlan(stored, KeepEarliest{}).Changed() {
			t.Fatalf("seed %d: rebuild of consistent rows is not a no-op", seed)
		}
	}
}

func checkAtMostOneCurrent(t *testing.T, seed int64, docs []store.Document) {
	t.Helper()
	counts := map[store.DocumentType]int{}
	for _, doc := range docs {
		if doc.IsCurrent {
			if !doc.Versioned() {
				t.Fatalf("seed %d: unversioned %s marked current", seed, doc.ID)
			}
			counts[doc.DocumentType]++
		}
	}
	for docType, count := range counts {
		if count > 1 {
			t.Fatalf("seed %d: %d current %s documents", seed, count, docType)
		}
	}
}

func checkVersionsGapFree(t *testing.T, seed int64, docs []store.Document) {
	t.Helper()
	byType := map[store.DocumentType][]store.Document{}
	for _, session := range GroupSessions(docs) {
		for _, doc := range session.Documents {
			byType[doc.DocumentType] = append(byType[doc.DocumentType], doc)
		}
	}
	for docType, ordered := range byType {
		for i, doc := range ordered {
			if doc.Version != i+1 {
				t.Fatalf("seed %d: %s versions not 1..N at %s (got %d)", seed, docType, doc.ID, doc.Version)
			}
		}
	}
}

func checkChainsVisitEveryVersion(t *testing.T, seed int64, docs []store.Document) {
	t.Helper()
	for _, docType := range store.DocumentTypes() {
		total := 0
		for _, doc := range docs {
			if doc.Versioned() && doc.DocumentType == docType {
				total++
			}
		}
		chain, err := WalkChain(docs, docType)
		if err != nil {
			t.Fatalf("seed %d: %v", seed, err)
		}
		if len(chain) != total {
			t.Fatalf("seed %d: chain for %s visits %d of %d", seed, docType, len(chain), total)
		}
		if total > 0 && !chain[len(chain)-1].IsCurrent {
			t.Fatalf("seed %d: chain for %s does not end at the current document", seed, docType)
		}
	}
}

func checkEarliestKept(t *testing.T, seed int64, uploads, stored []store.Document) {
	t.Helper()
	type key struct {
		session string
		docType store.DocumentType
	}
	want := map[key]store.Document{}
	for _, doc := range uploads {
		if !doc.Versioned() {
			continue
		}
		k := key{doc.SessionKey(), doc.DocumentType}
		if existing, ok := want[k]; !ok || Less(doc, existing) {
			want[k] = doc
		}
	}
	for k, doc := range want {
		found := false
		for _, s := range stored {
			if s.ID == doc.ID {
				found = true
			} else if s.Versioned() && s.SessionKey() == k.session && s.DocumentType == k.docType {
				t.Fatalf("seed %d: %s kept instead of earliest %s", seed, s.ID, doc.ID)
			}
		}
		if !found {
			t.Fatalf("seed %d: earliest upload %s was removed", seed, doc.ID)
		}
	}
}
