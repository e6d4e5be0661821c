package tokenledger

import (
	"context"
	"errors"
	"testing"
)

func TestReserveMovesAvailableToReserved(test *testing.T) {
	test.Parallel()
	store := newStubStore("user-1", 5000)
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-1")
	amount := mustAmount(test, 1200)

	hold, err := service.Reserve(context.Background(), userID, amount, "generation", mustReservationID(test, "res-1"), mustKey(test, "reserve-1"))
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if hold.Replayed {
		test.Fatalf("fresh reserve reported as replayed")
	}
	if hold.Tokens != 1200 {
		test.Fatalf("expected hold of 1200, got %d", hold.Tokens)
	}
	balance := store.balances["user-1"]
	if balance.AvailableTokens != 3800 || balance.ReservedTokens != 1200 {
		test.Fatalf("expected balance {3800, 1200}, got {%d, %d}", balance.AvailableTokens, balance.ReservedTokens)
	}
	if len(store.transactions) != 1 {
		test.Fatalf("expected 1 transaction, got %d", len(store.transactions))
	}
	transaction := store.transactions[0]
	if transaction.Type != TransactionReserve {
		test.Fatalf("expected reserve transaction, got %s", transaction.Type)
	}
	if transaction.BalanceAfterAvailable != 3800 || transaction.BalanceAfterReserved != 1200 {
		test.Fatalf("unexpected balance snapshot on transaction: {%d, %d}", transaction.BalanceAfterAvailable, transaction.BalanceAfterReserved)
	}
}

func TestReserveInsufficientTokens(test *testing.T) {
	test.Parallel()
	store := newStubStore("user-low", 100)
	service := mustNewService(test, store)

	_, err := service.Reserve(context.Background(), mustUserID(test, "user-low"), mustAmount(test, 500), "generation", mustReservationID(test, "res-low"), mustKey(test, "reserve-low"))
	if !errors.Is(err, ErrInsufficientTokens) {
		test.Fatalf("expected ErrInsufficientTokens, got %v", err)
	}
	balance := store.balances["user-low"]
	if balance.AvailableTokens != 100 || balance.ReservedTokens != 0 {
		test.Fatalf("failed reserve mutated balance: {%d, %d}", balance.AvailableTokens, balance.ReservedTokens)
	}
}

func TestReserveReplayReturnsPriorHold(test *testing.T) {
	test.Parallel()
	store := newStubStore("user-2", 5000)
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-2")
	key := mustKey(test, "reserve-replay")

	first, err := service.Reserve(context.Background(), userID, mustAmount(test, 1200), "generation", mustReservationID(test, "res-a"), key)
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	second, err := service.Reserve(context.Background(), userID, mustAmount(test, 1200), "generation", mustReservationID(test, "res-b"), key)
	if err != nil {
		test.Fatalf("replayed reserve: %v", err)
	}
	if !second.Replayed {
		test.Fatalf("expected replayed hold")
	}
	if second.ReservationID != first.ReservationID {
		test.Fatalf("replay returned a different reservation: %s vs %s", second.ReservationID, first.ReservationID)
	}
	balance := store.balances["user-2"]
	if balance.AvailableTokens != 3800 || balance.ReservedTokens != 1200 {
		test.Fatalf("replay mutated balance: {%d, %d}", balance.AvailableTokens, balance.ReservedTokens)
	}
	if len(store.transactions) != 1 {
		test.Fatalf("replay appended a transaction: %d", len(store.transactions))
	}
}

func TestReserveRejectsKeyRecordedForAnotherOperation(test *testing.T) {
	test.Parallel()
	store := newStubStore("user-3", 5000)
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-3")
	reservationID := mustReservationID(test, "res-3")
	key := mustKey(test, "shared-key")

	if _, err := service.Reserve(context.Background(), userID, mustAmount(test, 1000), "generation", reservationID, key); err != nil {
		test.Fatalf("reserve: %v", err)
	}
	_, err := service.Commit(context.Background(), userID, reservationID, mustAmount(test, 1000), mustAmount(test, 500), "generation", key)
	if !errors.Is(err, ErrDuplicateIdempotencyKey) {
		test.Fatalf("expected ErrDuplicateIdempotencyKey, got %v", err)
	}
}

func TestCommitRestoresRemainderToAvailable(test *testing.T) {
	test.Parallel()
	store := newStubStore("user-4", 5000)
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-4")
	reservationID := mustReservationID(test, "res-4")

	if _, err := service.Reserve(context.Background(), userID, mustAmount(test, 1200), "generation", reservationID, mustKey(test, "reserve-4")); err != nil {
		test.Fatalf("reserve: %v", err)
	}
	result, err := service.Commit(context.Background(), userID, reservationID, mustAmount(test, 1200), mustAmount(test, 800), "generation", mustKey(test, "commit-4"))
	if err != nil {
		test.Fatalf("commit: %v", err)
	}
	if result.CommittedTokens != 800 || result.ReleasedTokens != 400 {
		test.Fatalf("expected commit {800, 400}, got {%d, %d}", result.CommittedTokens, result.ReleasedTokens)
	}
	balance := store.balances["user-4"]
	if balance.AvailableTokens != 4200 || balance.ReservedTokens != 0 {
		test.Fatalf("expected balance {4200, 0}, got {%d, %d}", balance.AvailableTokens, balance.ReservedTokens)
	}
}

func TestCommitReplayReportsPriorOutcome(test *testing.T) {
	test.Parallel()
	store := newStubStore("user-5", 5000)
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-5")
	reservationID := mustReservationID(test, "res-5")
	commitKey := mustKey(test, "commit-5")

	if _, err := service.Reserve(context.Background(), userID, mustAmount(test, 1200), "generation", reservationID, mustKey(test, "reserve-5")); err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if _, err := service.Commit(context.Background(), userID, reservationID, mustAmount(test, 1200), mustAmount(test, 800), "generation", commitKey); err != nil {
		test.Fatalf("commit: %v", err)
	}
	replay, err := service.Commit(context.Background(), userID, reservationID, mustAmount(test, 1200), mustAmount(test, 800), "generation", commitKey)
	if err != nil {
		test.Fatalf("replayed commit: %v", err)
	}
	if !replay.Replayed {
		test.Fatalf("expected replayed commit result")
	}
	if replay.CommittedTokens != 800 || replay.ReleasedTokens != 400 {
		test.Fatalf("replay reported {%d, %d}", replay.CommittedTokens, replay.ReleasedTokens)
	}
	balance := store.balances["user-5"]
	if balance.AvailableTokens != 4200 || balance.ReservedTokens != 0 {
		test.Fatalf("replay mutated balance: {%d, %d}", balance.AvailableTokens, balance.ReservedTokens)
	}
}

func TestCommitExceedsHold(test *testing.T) {
	test.Parallel()
	store := newStubStore("user-6", 5000)
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-6")
	reservationID := mustReservationID(test, "res-6")

	if _, err := service.Reserve(context.Background(), userID, mustAmount(test, 500), "generation", reservationID, mustKey(test, "reserve-6")); err != nil {
		test.Fatalf("reserve: %v", err)
	}
	_, err := service.Commit(context.Background(), userID, reservationID, mustAmount(test, 500), mustAmount(test, 800), "generation", mustKey(test, "commit-6"))
	if !errors.Is(err, ErrCommitExceedsHold) {
		test.Fatalf("expected ErrCommitExceedsHold, got %v", err)
	}
}

func TestCommitWithoutHeldTokensReportsInconsistency(test *testing.T) {
	test.Parallel()
	store := newStubStore("user-7", 5000)
	service := mustNewService(test, store)

	_, err := service.Commit(context.Background(), mustUserID(test, "user-7"), mustReservationID(test, "res-ghost"), mustAmount(test, 300), mustAmount(test, 300), "generation", mustKey(test, "commit-ghost"))
	if !errors.Is(err, ErrLedgerInconsistency) {
		test.Fatalf("expected ErrLedgerInconsistency, got %v", err)
	}
}

func TestReleaseReturnsFullHold(test *testing.T) {
	test.Parallel()
	store := newStubStore("user-8", 5000)
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-8")
	reservationID := mustReservationID(test, "res-8")

	if _, err := service.Reserve(context.Background(), userID, mustAmount(test, 1200), "generation", reservationID, mustKey(test, "reserve-8")); err != nil {
		test.Fatalf("reserve: %v", err)
	}
	result, err := service.Release(context.Background(), userID, reservationID, mustAmount(test, 1200), "cancelled", "generation", mustKey(test, "release-8"))
	if err != nil {
		test.Fatalf("release: %v", err)
	}
	if result.ReleasedTokens != 1200 {
		test.Fatalf("expected 1200 released, got %d", result.ReleasedTokens)
	}
	balance := store.balances["user-8"]
	if balance.AvailableTokens != 5000 || balance.ReservedTokens != 0 {
		test.Fatalf("expected balance restored to {5000, 0}, got {%d, %d}", balance.AvailableTokens, balance.ReservedTokens)
	}
	last := store.transactions[len(store.transactions)-1]
	if last.Purpose != "generation:cancelled" {
		test.Fatalf("expected release purpose with reason, got %q", last.Purpose)
	}
}

func TestReleaseReplayReportsPriorOutcome(test *testing.T) {
	test.Parallel()
	store := newStubStore("user-9", 5000)
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-9")
	reservationID := mustReservationID(test, "res-9")
	releaseKey := mustKey(test, "release-9")

	if _, err := service.Reserve(context.Background(), userID, mustAmount(test, 700), "generation", reservationID, mustKey(test, "reserve-9")); err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if _, err := service.Release(context.Background(), userID, reservationID, mustAmount(test, 700), "expired", "generation", releaseKey); err != nil {
		test.Fatalf("release: %v", err)
	}
	replay, err := service.Release(context.Background(), userID, reservationID, mustAmount(test, 700), "expired", "generation", releaseKey)
	if err != nil {
		test.Fatalf("replayed release: %v", err)
	}
	if !replay.Replayed || replay.ReleasedTokens != 700 {
		test.Fatalf("unexpected replay result: %+v", replay)
	}
	balance := store.balances["user-9"]
	if balance.AvailableTokens != 5000 || balance.ReservedTokens != 0 {
		test.Fatalf("replay mutated balance: {%d, %d}", balance.AvailableTokens, balance.ReservedTokens)
	}
}

func TestGrantIncreasesAvailable(test *testing.T) {
	test.Parallel()
	store := newStubStore("grant-user", 0)
	service := mustNewService(test, store)
	userID := mustUserID(test, "grant-user")
	key := mustKey(test, "grant-1")

	grant, err := service.Grant(context.Background(), userID, mustAmount(test, 2500), "topup", key)
	if err != nil {
		test.Fatalf("grant: %v", err)
	}
	if grant.GrantedTokens != 2500 {
		test.Fatalf("expected 2500 granted, got %d", grant.GrantedTokens)
	}
	replay, err := service.Grant(context.Background(), userID, mustAmount(test, 2500), "topup", key)
	if err != nil {
		test.Fatalf("replayed grant: %v", err)
	}
	if !replay.Replayed {
		test.Fatalf("expected replayed grant")
	}
	balance := store.balances["grant-user"]
	if balance.AvailableTokens != 2500 {
		test.Fatalf("expected 2500 available, got %d", balance.AvailableTokens)
	}
}

func TestConservationAcrossReserveAndCommit(test *testing.T) {
	test.Parallel()
	store := newStubStore("conserve-user", 5000)
	service := mustNewService(test, store)
	userID := mustUserID(test, "conserve-user")
	reservationID := mustReservationID(test, "res-conserve")

	if _, err := service.Reserve(context.Background(), userID, mustAmount(test, 1200), "generation", reservationID, mustKey(test, "reserve-c")); err != nil {
		test.Fatalf("reserve: %v", err)
	}
	afterReserve := store.balances["conserve-user"]
	if afterReserve.AvailableTokens+afterReserve.ReservedTokens != 5000 {
		test.Fatalf("reserve broke conservation: {%d, %d}", afterReserve.AvailableTokens, afterReserve.ReservedTokens)
	}
	if _, err := service.Commit(context.Background(), userID, reservationID, mustAmount(test, 1200), mustAmount(test, 800), "generation", mustKey(test, "commit-c")); err != nil {
		test.Fatalf("commit: %v", err)
	}
	afterCommit := store.balances["conserve-user"]
	if afterCommit.AvailableTokens+afterCommit.ReservedTokens != 5000-800 {
		test.Fatalf("commit broke conservation: {%d, %d}", afterCommit.AvailableTokens, afterCommit.ReservedTokens)
	}
}

func TestBalanceForUnknownUserIsZero(test *testing.T) {
	test.Parallel()
	store := newStubStore("known-user", 100)
	service := mustNewService(test, store)

	balance, err := service.Balance(context.Background(), mustUserID(test, "never-seen"))
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.AvailableTokens != 0 || balance.ReservedTokens != 0 {
		test.Fatalf("expected zero balance, got {%d, %d}", balance.AvailableTokens, balance.ReservedTokens)
	}
}

func TestNewServiceRequiresDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewService(nil, func() int64 { return 0 }); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig, got %v", err)
	}
	if _, err := NewService(newStubStore("x", 0), nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig, got %v", err)
	}
}

func mustNewService(test *testing.T, store Store) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 1_700_000_000 })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id %q: %v", raw, err)
	}
	return userID
}

func mustReservationID(test *testing.T, raw string) ReservationID {
	test.Helper()
	reservationID, err := NewReservationID(raw)
	if err != nil {
		test.Fatalf("reservation id %q: %v", raw, err)
	}
	return reservationID
}

func mustKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	key, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key %q: %v", raw, err)
	}
	return key
}

func mustAmount(test *testing.T, raw int64) TokenAmount {
	test.Helper()
	amount, err := NewTokenAmount(raw)
	if err != nil {
		test.Fatalf("token amount %d: %v", raw, err)
	}
	return amount
}

type stubStore struct {
	balances     map[string]Balance
	transactions []Transaction
	byKey        map[string]Transaction
}

func newStubStore(userID string, availableTokens int64) *stubStore {
	return &stubStore{
		balances: map[string]Balance{
			userID: {UserID: userID, AvailableTokens: availableTokens},
		},
		byKey: make(map[string]Transaction),
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) GetOrCreateBalance(ctx context.Context, userID string) (Balance, error) {
	balance, ok := store.balances[userID]
	if !ok {
		balance = Balance{UserID: userID}
		store.balances[userID] = balance
	}
	return balance, nil
}

func (store *stubStore) GetBalance(ctx context.Context, userID string) (Balance, bool, error) {
	balance, ok := store.balances[userID]
	return balance, ok, nil
}

func (store *stubStore) UpdateBalance(ctx context.Context, balance Balance) error {
	store.balances[balance.UserID] = balance
	return nil
}

func (store *stubStore) InsertTransaction(ctx context.Context, transaction Transaction) error {
	lookup := transaction.UserID + "\x00" + transaction.IdempotencyKey
	if _, exists := store.byKey[lookup]; exists {
		return ErrDuplicateIdempotencyKey
	}
	store.byKey[lookup] = transaction
	store.transactions = append(store.transactions, transaction)
	return nil
}

func (store *stubStore) GetTransactionByKey(ctx context.Context, userID string, idempotencyKey string) (Transaction, bool, error) {
	transaction, ok := store.byKey[userID+"\x00"+idempotencyKey]
	return transaction, ok, nil
}

func (store *stubStore) ListTransactions(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	var matched []Transaction
	for index := len(store.transactions) - 1; index >= 0 && len(matched) < limit; index-- {
		if store.transactions[index].UserID == userID {
			matched = append(matched, store.transactions[index])
		}
	}
	return matched, nil
}
