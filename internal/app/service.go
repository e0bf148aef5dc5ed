package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"retroboard/api/internal/board"
	"retroboard/api/internal/notify"
	"retroboard/api/internal/rbac"
	"retroboard/api/internal/store"
)

// Identity is the requester as resolved by the routing layer. Hash is the
// opaque owner identity; Alias is the optional display name.
type Identity struct {
	Hash  string
	Alias string
}

func (i Identity) alias() *string {
	alias := strings.TrimSpace(i.Alias)
	if alias == "" {
		return nil
	}
	return &alias
}

type dataStore interface {
	WithTx(ctx context.Context, fn func(store.Tx) error) error
	GetCard(ctx context.Context, cardID string) (store.Card, error)
	ListCards(ctx context.Context, boardID string) ([]store.Card, error)
	CountFeedbackCards(ctx context.Context, boardID, ownerIdentity string) (int, error)
	CountReactionsByUser(ctx context.Context, boardID, userIdentity string) (int, error)
	Ping(ctx context.Context) error
}

type boardDirectory interface {
	BoardExists(ctx context.Context, boardID string) (bool, error)
	IsOpen(ctx context.Context, boardID string) (bool, error)
	ColumnExists(ctx context.Context, boardID, columnID string) (bool, error)
	GetCardLimit(ctx context.Context, boardID string) (*int, error)
	GetReactionLimit(ctx context.Context, boardID string) (*int, error)
	IsAdmin(ctx context.Context, boardID, identity string) (bool, error)
	Insert(ctx context.Context, b store.Board) (store.Board, error)
}

const publishTimeout = 5 * time.Second

type Service struct {
	store     dataStore
	boards    boardDirectory
	publisher notify.Publisher
	logger    *zap.Logger
	inflight  sync.WaitGroup
}

func New(dataStore *store.PostgresStore, boards *board.PostgresDirectory, publisher notify.Publisher, logger *zap.Logger) *Service {
	return newService(dataStore, boards, publisher, logger)
}

func newService(dataStore dataStore, boards boardDirectory, publisher notify.Publisher, logger *zap.Logger) *Service {
	if publisher == nil {
		publisher = notify.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:     dataStore,
		boards:    boards,
		publisher: publisher,
		logger:    logger.Named("cards"),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Wait blocks until notifications already handed to the publisher finish.
func (s *Service) Wait() {
	s.inflight.Wait()
}

const DemoBoardID = "demo"

// Bootstrap seeds a demo board when it does not exist yet.
func (s *Service) Bootstrap(ctx context.Context) error {
	exists, err := s.boards.BoardExists(ctx, DemoBoardID)
	if err != nil {
		return fmt.Errorf("check demo board: %w", err)
	}
	if exists {
		return nil
	}

	cardLimit, reactionLimit := 5, 10
	_, err = s.boards.Insert(ctx, store.Board{
		ID:    DemoBoardID,
		Name:  "Demo retrospective",
		State: store.BoardOpen,
		Columns: []store.Column{
			{ID: "went_well", Label: "Went well"},
			{ID: "to_improve", Label: "To improve"},
			{ID: "action_items", Label: "Action items"},
		},
		CardLimit:     &cardLimit,
		ReactionLimit: &reactionLimit,
	})
	if err != nil {
		return fmt.Errorf("seed demo board: %w", err)
	}
	s.logger.Info("Seeded demo board", zap.String("board_id", DemoBoardID))
	return nil
}

// publish hands event to the publisher without blocking the caller. Delivery
// failures are logged and otherwise ignored.
func (s *Service) publish(event notify.Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := s.publisher.Publish(ctx, event); err != nil {
			s.logger.Warn("Failed to publish event",
				zap.String("type", string(event.Type)),
				zap.String("board_id", event.BoardID),
				zap.String("card_id", event.CardID),
				zap.Error(err),
			)
		}
	}()
}

func (s *Service) loadCard(ctx context.Context, cardID string) (store.Card, error) {
	if strings.TrimSpace(cardID) == "" {
		return store.Card{}, validationError("card id is required")
	}
	row, err := s.store.GetCard(ctx, cardID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Card{}, notFound("card not found")
	}
	if err != nil {
		return store.Card{}, fmt.Errorf("load card: %w", err)
	}
	return row, nil
}

func lockCard(ctx context.Context, tx store.Tx, cardID string) (store.Card, error) {
	row, err := tx.GetCardForUpdate(ctx, cardID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Card{}, notFound("card not found")
	}
	if err != nil {
		return store.Card{}, fmt.Errorf("lock card: %w", err)
	}
	return row, nil
}

func reloadCard(ctx context.Context, tx store.Tx, cardID string) (Card, error) {
	row, err := tx.GetCard(ctx, cardID)
	if err != nil {
		return nil, fmt.Errorf("reload card: %w", err)
	}
	return cardFromRow(row)
}

// authorize checks requester against the roles it holds on row. The admin
// lookup only happens for actions an admin could be granted.
func (s *Service) authorize(ctx context.Context, row store.Card, requester Identity, action rbac.Action) error {
	roles := []rbac.Role{rbac.RoleParticipant}
	if requester.Hash != "" && requester.Hash == row.OwnerIdentity {
		roles = append(roles, rbac.RoleOwner)
	}
	if rbac.CanAny(roles, action) {
		return nil
	}
	if rbac.Can(rbac.RoleBoardAdmin, action) && requester.Hash != "" {
		admin, err := s.boards.IsAdmin(ctx, row.BoardID, requester.Hash)
		if err != nil {
			return fmt.Errorf("check board admin: %w", err)
		}
		if admin {
			return nil
		}
	}
	return forbidden(fmt.Sprintf("not allowed to %s this card", action))
}

func requireIdentity(requester Identity) error {
	if strings.TrimSpace(requester.Hash) == "" {
		return validationError("requester identity is required")
	}
	return nil
}
