package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/vinasLT/carfax-service/internal/domain/model"
	pgrepo "github.com/vinasLT/carfax-service/internal/repo/postgres"
	purchasesvc "github.com/vinasLT/carfax-service/internal/services/purchases"
)

type readerStub struct {
	messages  []kafka.Message
	next      int
	committed []int64
}

func (r *readerStub) FetchMessage(_ context.Context) (kafka.Message, error) {
	if r.next >= len(r.messages) {
		return kafka.Message{}, context.Canceled
	}
	msg := r.messages[r.next]
	r.next++
	return msg, nil
}

func (r *readerStub) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, msg := range msgs {
		r.committed = append(r.committed, msg.Offset)
	}
	return nil
}

func (r *readerStub) Close() error { return nil }

type storeStub struct {
	purchases   map[int64]model.Purchase
	paid        []int64
	getFailures int
}

func newStoreStub() *storeStub {
	return &storeStub{purchases: make(map[int64]model.Purchase)}
}

func (s *storeStub) Create(_ context.Context, params pgrepo.PurchaseCreateParams) (model.Purchase, error) {
	return model.Purchase{}, fmt.Errorf("not used")
}

func (s *storeStub) GetByID(_ context.Context, id int64) (model.Purchase, error) {
	if s.getFailures > 0 {
		s.getFailures--
		return model.Purchase{}, fmt.Errorf("postgres connection reset")
	}
	purchase, ok := s.purchases[id]
	if !ok {
		return model.Purchase{}, pgrepo.ErrPurchaseNotFound
	}
	return purchase, nil
}

func (s *storeStub) FindByNaturalKey(_ context.Context, _, _, _ string) (model.Purchase, error) {
	return model.Purchase{}, pgrepo.ErrPurchaseNotFound
}

func (s *storeStub) FindAnyLinkedByVin(_ context.Context, vin string) (model.Purchase, error) {
	for _, purchase := range s.purchases {
		if purchase.VIN == vin && purchase.Link != "" {
			return purchase, nil
		}
	}
	return model.Purchase{}, pgrepo.ErrPurchaseNotFound
}

func (s *storeStub) SetLink(_ context.Context, id int64, link string) (model.Purchase, error) {
	purchase := s.purchases[id]
	purchase.Link = link
	s.purchases[id] = purchase
	return purchase, nil
}

func (s *storeStub) MarkPaid(_ context.Context, id int64) (model.Purchase, error) {
	purchase := s.purchases[id]
	purchase.IsPaid = true
	s.purchases[id] = purchase
	s.paid = append(s.paid, id)
	return purchase, nil
}

func (s *storeStub) FillProvenance(_ context.Context, id int64, _, _ string) (model.Purchase, error) {
	return s.purchases[id], nil
}

func (s *storeStub) ListByUserOrdered(_ context.Context, _, _ string) ([]model.Purchase, error) {
	return nil, nil
}

type providerStub struct {
	calls int
}

func (p *providerStub) FetchReportLink(_ context.Context, _ string) (string, error) {
	p.calls++
	return "https://reports.example/r.pdf", nil
}

func newConsumerWithStore(t *testing.T, reader *readerStub, store *storeStub, provider *providerStub) *Consumer {
	t.Helper()
	svc := purchasesvc.NewService(purchasesvc.Dependencies{
		Purchases: store,
		Provider:  provider,
		Logger:    zap.NewNop(),
	})
	consumer, err := NewConsumer(reader, svc, zap.NewNop())
	if err != nil {
		t.Fatalf("create consumer: %v", err)
	}
	return consumer
}

func TestConsumerMarksPurchasePaid(t *testing.T) {
	store := newStoreStub()
	store.purchases[7] = model.Purchase{ID: 7, UserExternalID: "100", Source: "web", VIN: "1HGBH41JXMN109186"}

	reader := &readerStub{messages: []kafka.Message{
		{
			Offset: 1,
			Value:  []byte(`{"routing_key":"payment.success.carfax","payload":{"user_external_id":"100","purpose_external_id":"7"}}`),
		},
	}}
	provider := &providerStub{}
	consumer := newConsumerWithStore(t, reader, store, provider)

	if err := consumer.Run(context.Background()); err != nil {
		t.Fatalf("run consumer: %v", err)
	}

	if len(store.paid) != 1 || store.paid[0] != 7 {
		t.Fatalf("expected purchase 7 marked paid, got %v", store.paid)
	}
	if provider.calls != 1 {
		t.Fatalf("expected one provider fetch, got %d", provider.calls)
	}
	if len(reader.committed) != 1 {
		t.Fatalf("expected offset committed, got %v", reader.committed)
	}
}

func TestConsumerRetriesTransientFailureBeforeAdvancing(t *testing.T) {
	store := newStoreStub()
	store.purchases[1] = model.Purchase{ID: 1, UserExternalID: "100", Source: "web", VIN: "1HGBH41JXMN109186"}
	store.purchases[2] = model.Purchase{ID: 2, UserExternalID: "200", Source: "web", VIN: "5YJSA1E26MF109187"}
	store.getFailures = 1

	reader := &readerStub{messages: []kafka.Message{
		{
			Offset: 10,
			Value:  []byte(`{"routing_key":"payment.success.carfax","payload":{"user_external_id":"100","purpose_external_id":"1"}}`),
		},
		{
			Offset: 11,
			Value:  []byte(`{"routing_key":"payment.success.carfax","payload":{"user_external_id":"200","purpose_external_id":"2"}}`),
		},
	}}
	consumer := newConsumerWithStore(t, reader, store, &providerStub{})
	consumer.retryBackoff = time.Millisecond

	if err := consumer.Run(context.Background()); err != nil {
		t.Fatalf("run consumer: %v", err)
	}

	// The first event must be retried and finished before the second is
	// fetched: committing offset 11 implicitly commits offset 10.
	if len(store.paid) != 2 || store.paid[0] != 1 || store.paid[1] != 2 {
		t.Fatalf("expected purchases 1 then 2 marked paid, got %v", store.paid)
	}
	if len(reader.committed) != 2 || reader.committed[0] != 10 || reader.committed[1] != 11 {
		t.Fatalf("expected offsets 10 then 11 committed, got %v", reader.committed)
	}
}

func TestConsumerRejectsUnknownRoutingKeyButCommits(t *testing.T) {
	store := newStoreStub()
	reader := &readerStub{messages: []kafka.Message{
		{
			Offset: 5,
			Value:  []byte(`{"routing_key":"payment.success.other","payload":{"user_external_id":"100","purpose_external_id":"7"}}`),
		},
	}}
	consumer := newConsumerWithStore(t, reader, store, &providerStub{})

	if err := consumer.Run(context.Background()); err != nil {
		t.Fatalf("run consumer: %v", err)
	}

	if len(store.paid) != 0 {
		t.Fatalf("unknown routing key must not mark anything paid")
	}
	// A permanently broken event is committed so it cannot wedge the
	// partition.
	if len(reader.committed) != 1 {
		t.Fatalf("expected poisoned offset committed, got %v", reader.committed)
	}
}

func TestConsumerDropsMalformedPurposeIDQuietly(t *testing.T) {
	store := newStoreStub()
	provider := &providerStub{}
	reader := &readerStub{messages: []kafka.Message{
		{
			Offset: 9,
			Value:  []byte(`{"routing_key":"payment.success.carfax","payload":{"user_external_id":"100","purpose_external_id":"abc"}}`),
		},
	}}
	consumer := newConsumerWithStore(t, reader, store, provider)

	if err := consumer.Run(context.Background()); err != nil {
		t.Fatalf("run consumer: %v", err)
	}

	if len(store.paid) != 0 || provider.calls != 0 {
		t.Fatalf("dropped event must not mutate anything")
	}
	if len(reader.committed) != 1 {
		t.Fatalf("dropped event must still be committed, got %v", reader.committed)
	}
}

func TestConsumerCommitsNothingOnUndecodableBodyButDoesNotStall(t *testing.T) {
	store := newStoreStub()
	reader := &readerStub{messages: []kafka.Message{
		{Offset: 3, Value: []byte(`{not json`)},
	}}
	consumer := newConsumerWithStore(t, reader, store, &providerStub{})

	if err := consumer.Run(context.Background()); err != nil {
		t.Fatalf("run consumer: %v", err)
	}

	// Undecodable bodies are permanent failures; they get committed too.
	if len(reader.committed) != 1 {
		t.Fatalf("expected undecodable offset committed, got %v", reader.committed)
	}
}
