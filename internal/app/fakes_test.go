package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"retroboard/api/internal/notify"
	"retroboard/api/internal/store"
)

type linkKey struct {
	actionID   string
	feedbackID string
}

type reactionKey struct {
	cardID string
	user   string
}

type memState struct {
	cards     map[string]store.Card
	links     map[linkKey]int
	reactions map[reactionKey]store.Reaction
}

func (m memState) clone() memState {
	out := memState{
		cards:     make(map[string]store.Card, len(m.cards)),
		links:     make(map[linkKey]int, len(m.links)),
		reactions: make(map[reactionKey]store.Reaction, len(m.reactions)),
	}
	for k, v := range m.cards {
		out.cards[k] = v
	}
	for k, v := range m.links {
		out.links[k] = v
	}
	for k, v := range m.reactions {
		out.reactions[k] = v
	}
	return out
}

// fakeStore keeps cards, links and reactions in memory. WithTx serializes
// transactions and restores the previous state when fn fails.
type fakeStore struct {
	mu      sync.Mutex
	state   memState
	seq     int
	clock   time.Time
	pingFn  func(context.Context) error
	txFn    func() error
	txCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		state: memState{
			cards:     map[string]store.Card{},
			links:     map[linkKey]int{},
			reactions: map[reactionKey]store.Reaction{},
		},
		clock: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (f *fakeStore) tick() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

func (f *fakeStore) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txCalls++
	if f.txFn != nil {
		if err := f.txFn(); err != nil {
			return err
		}
	}
	snapshot := f.state.clone()
	if err := fn(&memTx{f: f}); err != nil {
		f.state = snapshot
		return err
	}
	return nil
}

func (f *fakeStore) GetCard(ctx context.Context, cardID string) (store.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return (&memTx{f: f}).GetCard(ctx, cardID)
}

func (f *fakeStore) ListCards(ctx context.Context, boardID string) ([]store.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx := &memTx{f: f}
	var cards []store.Card
	for _, card := range f.state.cards {
		if card.BoardID == boardID {
			cards = append(cards, tx.withLinks(card))
		}
	}
	sort.Slice(cards, func(i, j int) bool {
		if cards[i].CreatedAt.Equal(cards[j].CreatedAt) {
			return cards[i].ID < cards[j].ID
		}
		return cards[i].CreatedAt.Before(cards[j].CreatedAt)
	})
	return cards, nil
}

func (f *fakeStore) CountFeedbackCards(ctx context.Context, boardID, owner string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return (&memTx{f: f}).CountFeedbackCards(ctx, boardID, owner)
}

func (f *fakeStore) CountReactionsByUser(ctx context.Context, boardID, user string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return (&memTx{f: f}).CountReactionsByUser(ctx, boardID, user)
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

// snapshot returns a copy of the state for assertions.
func (f *fakeStore) snapshot() memState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.clone()
}

type memTx struct {
	f *fakeStore
}

func (t *memTx) withLinks(card store.Card) store.Card {
	if card.Kind != store.KindAction {
		card.LinkedFeedbackIDs = nil
		return card
	}
	type ordered struct {
		id  string
		seq int
	}
	var linked []ordered
	for key, seq := range t.f.state.links {
		if key.actionID == card.ID {
			linked = append(linked, ordered{id: key.feedbackID, seq: seq})
		}
	}
	sort.Slice(linked, func(i, j int) bool { return linked[i].seq < linked[j].seq })
	card.LinkedFeedbackIDs = []string{}
	for _, l := range linked {
		card.LinkedFeedbackIDs = append(card.LinkedFeedbackIDs, l.id)
	}
	return card
}

func (t *memTx) GetCard(_ context.Context, cardID string) (store.Card, error) {
	card, ok := t.f.state.cards[cardID]
	if !ok {
		return store.Card{}, sql.ErrNoRows
	}
	return t.withLinks(card), nil
}

func (t *memTx) GetCardForUpdate(ctx context.Context, cardID string) (store.Card, error) {
	return t.GetCard(ctx, cardID)
}

func (t *memTx) LockCards(ctx context.Context, cardIDs ...string) ([]store.Card, error) {
	cards := make([]store.Card, 0, len(cardIDs))
	for _, id := range cardIDs {
		card, err := t.GetCard(ctx, id)
		if err != nil {
			return nil, err
		}
		cards = append(cards, card)
	}
	return cards, nil
}

func (t *memTx) InsertCard(_ context.Context, card store.Card) (store.Card, error) {
	if _, exists := t.f.state.cards[card.ID]; exists {
		return store.Card{}, fmt.Errorf("insert card: duplicate id %s", card.ID)
	}
	now := t.f.tick()
	card.CreatedAt, card.UpdatedAt = now, now
	card.DirectReactionCount, card.AggregatedReactionCount = 0, 0
	t.f.state.cards[card.ID] = card
	return t.withLinks(card), nil
}

func (t *memTx) update(cardID string, fn func(*store.Card)) (time.Time, error) {
	card, ok := t.f.state.cards[cardID]
	if !ok {
		return time.Time{}, sql.ErrNoRows
	}
	fn(&card)
	card.UpdatedAt = t.f.tick()
	t.f.state.cards[cardID] = card
	return card.UpdatedAt, nil
}

func (t *memTx) UpdateCardContent(_ context.Context, cardID, content string) (time.Time, error) {
	return t.update(cardID, func(c *store.Card) { c.Content = content })
}

func (t *memTx) UpdateCardColumn(_ context.Context, cardID, columnID string) (time.Time, error) {
	return t.update(cardID, func(c *store.Card) { c.ColumnID = columnID })
}

// DeleteCard mirrors the schema's foreign keys: links and reactions cascade,
// children lose their parent.
func (t *memTx) DeleteCard(_ context.Context, cardID string) error {
	if _, ok := t.f.state.cards[cardID]; !ok {
		return sql.ErrNoRows
	}
	delete(t.f.state.cards, cardID)
	for key := range t.f.state.links {
		if key.actionID == cardID || key.feedbackID == cardID {
			delete(t.f.state.links, key)
		}
	}
	for key := range t.f.state.reactions {
		if key.cardID == cardID {
			delete(t.f.state.reactions, key)
		}
	}
	for id, card := range t.f.state.cards {
		if card.ParentCardID != nil && *card.ParentCardID == cardID {
			card.ParentCardID = nil
			t.f.state.cards[id] = card
		}
	}
	return nil
}

func (t *memTx) CountChildren(_ context.Context, parentID string) (int, error) {
	count := 0
	for _, card := range t.f.state.cards {
		if card.ParentCardID != nil && *card.ParentCardID == parentID {
			count++
		}
	}
	return count, nil
}

func (t *memTx) ClearChildren(_ context.Context, parentID string) ([]string, error) {
	ids := []string{}
	for id, card := range t.f.state.cards {
		if card.ParentCardID != nil && *card.ParentCardID == parentID {
			card.ParentCardID = nil
			card.UpdatedAt = t.f.tick()
			t.f.state.cards[id] = card
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (t *memTx) SetParent(_ context.Context, childID string, parentID *string) error {
	card, ok := t.f.state.cards[childID]
	if !ok {
		return sql.ErrNoRows
	}
	if parentID != nil {
		id := *parentID
		card.ParentCardID = &id
	} else {
		card.ParentCardID = nil
	}
	card.UpdatedAt = t.f.tick()
	t.f.state.cards[childID] = card
	return nil
}

func (t *memTx) AddLink(_ context.Context, actionID, feedbackID string) (bool, error) {
	key := linkKey{actionID: actionID, feedbackID: feedbackID}
	if _, exists := t.f.state.links[key]; exists {
		return false, nil
	}
	t.f.seq++
	t.f.state.links[key] = t.f.seq
	return true, nil
}

func (t *memTx) RemoveLink(_ context.Context, actionID, feedbackID string) (bool, error) {
	key := linkKey{actionID: actionID, feedbackID: feedbackID}
	if _, exists := t.f.state.links[key]; !exists {
		return false, nil
	}
	delete(t.f.state.links, key)
	return true, nil
}

func (t *memTx) RemoveLinksTo(_ context.Context, feedbackID string) ([]string, error) {
	ids := []string{}
	for key := range t.f.state.links {
		if key.feedbackID == feedbackID {
			ids = append(ids, key.actionID)
			delete(t.f.state.links, key)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (t *memTx) DeleteReactionsForCard(_ context.Context, cardID string) (int, error) {
	removed := 0
	for key := range t.f.state.reactions {
		if key.cardID == cardID {
			delete(t.f.state.reactions, key)
			removed++
		}
	}
	return removed, nil
}

func (t *memTx) UpsertReaction(_ context.Context, reaction store.Reaction) (store.Reaction, bool, error) {
	if _, ok := t.f.state.cards[reaction.CardID]; !ok {
		return store.Reaction{}, false, fmt.Errorf("upsert reaction: card %s missing", reaction.CardID)
	}
	key := reactionKey{cardID: reaction.CardID, user: reaction.UserIdentity}
	now := t.f.tick()
	if existing, ok := t.f.state.reactions[key]; ok {
		existing.Kind = reaction.Kind
		existing.DisplayAlias = reaction.DisplayAlias
		existing.UpdatedAt = now
		t.f.state.reactions[key] = existing
		return existing, false, nil
	}
	reaction.CreatedAt, reaction.UpdatedAt = now, now
	t.f.state.reactions[key] = reaction
	return reaction, true, nil
}

func (t *memTx) DeleteReaction(_ context.Context, cardID, user string) (store.Reaction, error) {
	key := reactionKey{cardID: cardID, user: user}
	reaction, ok := t.f.state.reactions[key]
	if !ok {
		return store.Reaction{}, sql.ErrNoRows
	}
	delete(t.f.state.reactions, key)
	return reaction, nil
}

func (t *memTx) AdjustDirectReactions(_ context.Context, cardID string, delta int) error {
	card, ok := t.f.state.cards[cardID]
	if !ok || card.DirectReactionCount+delta < 0 {
		return fmt.Errorf("adjust reactions on %s by %d: %w", cardID, delta, store.ErrNegativeCount)
	}
	card.DirectReactionCount += delta
	card.AggregatedReactionCount += delta
	t.f.state.cards[cardID] = card
	return nil
}

func (t *memTx) RecomputeAggregate(_ context.Context, cardID string) (int, error) {
	card, ok := t.f.state.cards[cardID]
	if !ok {
		return 0, sql.ErrNoRows
	}
	total := card.DirectReactionCount
	for _, child := range t.f.state.cards {
		if child.ParentCardID != nil && *child.ParentCardID == cardID {
			total += child.DirectReactionCount
		}
	}
	card.AggregatedReactionCount = total
	t.f.state.cards[cardID] = card
	return total, nil
}

func (t *memTx) CountFeedbackCards(_ context.Context, boardID, owner string) (int, error) {
	count := 0
	for _, card := range t.f.state.cards {
		if card.BoardID == boardID && card.OwnerIdentity == owner && card.Kind == store.KindFeedback {
			count++
		}
	}
	return count, nil
}

func (t *memTx) CountReactionsByUser(_ context.Context, boardID, user string) (int, error) {
	count := 0
	for key := range t.f.state.reactions {
		card, ok := t.f.state.cards[key.cardID]
		if ok && card.BoardID == boardID && key.user == user {
			count++
		}
	}
	return count, nil
}

type fakeBoards struct {
	mu         sync.Mutex
	boards     map[string]store.Board
	isAdminErr error
}

func (f *fakeBoards) get(boardID string) (store.Board, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.boards[boardID]
	return b, ok
}

func (f *fakeBoards) BoardExists(_ context.Context, boardID string) (bool, error) {
	_, ok := f.get(boardID)
	return ok, nil
}

func (f *fakeBoards) IsOpen(_ context.Context, boardID string) (bool, error) {
	b, ok := f.get(boardID)
	if !ok {
		return false, errors.New("board not found")
	}
	return b.State == store.BoardOpen, nil
}

func (f *fakeBoards) ColumnExists(_ context.Context, boardID, columnID string) (bool, error) {
	b, ok := f.get(boardID)
	if !ok {
		return false, errors.New("board not found")
	}
	for _, c := range b.Columns {
		if c.ID == columnID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeBoards) GetCardLimit(_ context.Context, boardID string) (*int, error) {
	b, _ := f.get(boardID)
	return b.CardLimit, nil
}

func (f *fakeBoards) GetReactionLimit(_ context.Context, boardID string) (*int, error) {
	b, _ := f.get(boardID)
	return b.ReactionLimit, nil
}

func (f *fakeBoards) IsAdmin(_ context.Context, boardID, identity string) (bool, error) {
	if f.isAdminErr != nil {
		return false, f.isAdminErr
	}
	b, _ := f.get(boardID)
	for _, admin := range b.Admins {
		if admin == identity {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeBoards) Insert(_ context.Context, b store.Board) (store.Board, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.boards == nil {
		f.boards = map[string]store.Board{}
	}
	if b.State == "" {
		b.State = store.BoardOpen
	}
	f.boards[b.ID] = b
	return b, nil
}

func (f *fakeBoards) setState(boardID, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.boards[boardID]
	b.State = state
	f.boards[boardID] = b
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event notify.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) types() []notify.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]notify.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type testEnv struct {
	svc       *Service
	store     *fakeStore
	boards    *fakeBoards
	publisher *recordingPublisher
}

const (
	testBoard  = "board_1"
	otherBoard = "board_2"
	colGood    = "went_well"
	colBad     = "to_improve"
	userAlice  = "alice-hash"
	userBob    = "bob-hash"
	userCarol  = "carol-hash"
	userAdmin  = "admin-hash"
)

var (
	alice = Identity{Hash: userAlice, Alias: "Alice"}
	bob   = Identity{Hash: userBob, Alias: "Bob"}
	carol = Identity{Hash: userCarol, Alias: "Carol"}
	admin = Identity{Hash: userAdmin, Alias: "Facilitator"}
)

func intPtr(n int) *int { return &n }

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:     newFakeStore(),
		boards:    &fakeBoards{},
		publisher: &recordingPublisher{},
	}
	columns := []store.Column{{ID: colGood, Label: "Went well"}, {ID: colBad, Label: "To improve"}}
	for _, id := range []string{testBoard, otherBoard} {
		if _, err := env.boards.Insert(context.Background(), store.Board{
			ID:      id,
			Name:    id,
			Columns: columns,
			Admins:  []string{userAdmin},
		}); err != nil {
			t.Fatalf("insert board: %v", err)
		}
	}
	env.svc = newService(env.store, env.boards, env.publisher, nil)
	t.Cleanup(env.svc.Wait)
	return env
}

func (e *testEnv) setLimits(boardID string, cardLimit, reactionLimit *int) {
	e.boards.mu.Lock()
	defer e.boards.mu.Unlock()
	b := e.boards.boards[boardID]
	b.CardLimit = cardLimit
	b.ReactionLimit = reactionLimit
	e.boards.boards[boardID] = b
}

func (e *testEnv) createCard(t *testing.T, boardID string, kind CardKind, owner Identity, content string) Card {
	t.Helper()
	card, err := e.svc.CreateCard(context.Background(), CreateCardInput{
		BoardID:  boardID,
		ColumnID: colGood,
		Content:  content,
		Kind:     string(kind),
	}, owner)
	if err != nil {
		t.Fatalf("CreateCard(%s) error = %v", content, err)
	}
	return card
}

func (e *testEnv) row(t *testing.T, cardID string) store.Card {
	t.Helper()
	row, err := e.store.GetCard(context.Background(), cardID)
	if err != nil {
		t.Fatalf("GetCard(%s) error = %v", cardID, err)
	}
	return row
}

// assertInvariants checks the hierarchy and counter invariants over every
// card in the store.
func assertInvariants(t *testing.T, state memState) {
	t.Helper()
	for id, card := range state.cards {
		if card.ParentCardID != nil {
			if card.Kind != store.KindFeedback {
				t.Fatalf("card %s of kind %s has a parent", id, card.Kind)
			}
			parent, ok := state.cards[*card.ParentCardID]
			if !ok {
				t.Fatalf("card %s points at missing parent %s", id, *card.ParentCardID)
			}
			if parent.Kind != store.KindFeedback || parent.ParentCardID != nil {
				t.Fatalf("card %s has parent %s that violates depth 1", id, parent.ID)
			}
		}
		want := card.DirectReactionCount
		for _, child := range state.cards {
			if child.ParentCardID != nil && *child.ParentCardID == id {
				want += child.DirectReactionCount
			}
		}
		if card.AggregatedReactionCount != want {
			t.Fatalf("card %s aggregated = %d, want %d", id, card.AggregatedReactionCount, want)
		}
		direct := 0
		for key := range state.reactions {
			if key.cardID == id {
				direct++
			}
		}
		if card.DirectReactionCount != direct {
			t.Fatalf("card %s direct = %d, but has %d reactions", id, card.DirectReactionCount, direct)
		}
	}
	for key := range state.links {
		action, ok := state.cards[key.actionID]
		if !ok || action.Kind != store.KindAction {
			t.Fatalf("link source %s is not an action card", key.actionID)
		}
		feedback, ok := state.cards[key.feedbackID]
		if !ok || feedback.Kind != store.KindFeedback {
			t.Fatalf("link target %s is not a feedback card", key.feedbackID)
		}
	}
}
