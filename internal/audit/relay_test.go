package audit

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-appointment-engine/internal/appointment"
)

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, ev Event) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}

func (m *MockPublisher) Close() error {
	return m.Called().Error(0)
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func seedLogs(t *testing.T, store *appointment.MemoryStore, n int) []appointment.AppointmentLog {
	t.Helper()
	require.NoError(t, store.RunInTx(context.Background(), func(ctx context.Context, repo appointment.Repository) error {
		for i := 0; i < n; i++ {
			if err := repo.InsertLog(ctx, &appointment.AppointmentLog{
				AppointmentID: int64(i + 1),
				EventType:     appointment.LogAppointmentCreated,
				Message:       "Appointment created",
				Payload:       []byte(`{"doctor_id":7}`),
			}); err != nil {
				return err
			}
		}
		return nil
	}))
	logs, err := store.ListLogsAfter(context.Background(), 0, 0)
	require.NoError(t, err)
	return logs
}

func TestRelay_ForwardsInOrderAndAdvancesCursor(t *testing.T) {
	_, rdb := newRedis(t)
	store := appointment.NewMemoryStore()
	logs := seedLogs(t, store, 3)

	pub := new(MockPublisher)
	var seen []int64
	pub.On("Publish", mock.Anything, mock.AnythingOfType("audit.Event")).
		Run(func(args mock.Arguments) { seen = append(seen, args.Get(1).(Event).LogID) }).
		Return(nil)

	cursor := NewRedisCursor(rdb, "")
	relay := NewRelay(store, pub, cursor, 10, zerolog.Nop())

	n, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int64{logs[0].ID, logs[1].ID, logs[2].ID}, seen)

	last, err := cursor.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, logs[2].ID, last)

	n, err = relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	pub.AssertNumberOfCalls(t, "Publish", 3)
}

func TestRelay_PublishFailureKeepsCursor(t *testing.T) {
	_, rdb := newRedis(t)
	store := appointment.NewMemoryStore()
	logs := seedLogs(t, store, 3)

	pub := new(MockPublisher)
	pub.On("Publish", mock.Anything, mock.MatchedBy(func(ev Event) bool { return ev.LogID == logs[0].ID })).Return(nil).Once()
	pub.On("Publish", mock.Anything, mock.MatchedBy(func(ev Event) bool { return ev.LogID == logs[1].ID })).Return(errors.New("broker down")).Once()

	cursor := NewRedisCursor(rdb, "")
	relay := NewRelay(store, pub, cursor, 10, zerolog.Nop())

	n, err := relay.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, n)

	last, err := cursor.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, logs[0].ID, last)
	pub.AssertExpectations(t)
}

func TestRelay_BatchSize(t *testing.T) {
	_, rdb := newRedis(t)
	store := appointment.NewMemoryStore()
	seedLogs(t, store, 5)

	pub := new(MockPublisher)
	pub.On("Publish", mock.Anything, mock.Anything).Return(nil)

	relay := NewRelay(store, pub, NewRedisCursor(rdb, "cursor"), 2, zerolog.Nop())
	n, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRelay_RunDrainsUntilCancelled(t *testing.T) {
	_, rdb := newRedis(t)
	store := appointment.NewMemoryStore()
	seedLogs(t, store, 5)

	var published atomic.Int32
	pub := new(MockPublisher)
	pub.On("Publish", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { published.Add(1) }).
		Return(nil)

	relay := NewRelay(store, pub, NewRedisCursor(rdb, ""), 2, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		relay.Run(ctx, time.Hour)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return published.Load() >= 5
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	pub.AssertNumberOfCalls(t, "Publish", 5)
}

func TestRedisPublisher_Publish(t *testing.T) {
	_, rdb := newRedis(t)
	ctx := context.Background()

	sub := rdb.Subscribe(ctx, "appointment-events")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	pub := NewRedisPublisher(rdb, "appointment-events")
	ev := FromLog(appointment.AppointmentLog{ID: 42, AppointmentID: 7, EventType: appointment.LogAppointmentCancelled, Message: "cancelled"})
	require.NoError(t, pub.Publish(ctx, ev))

	select {
	case msg := <-sub.Channel():
		var got Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, ev.ID, got.ID)
		assert.Equal(t, int64(42), got.LogID)
		assert.Equal(t, appointment.LogAppointmentCancelled, got.Type)
	case <-time.After(time.Second):
		t.Fatal("no message received")
	}
}

func TestRedisCursor_DefaultsToZero(t *testing.T) {
	mr, rdb := newRedis(t)
	cursor := NewRedisCursor(rdb, "")

	id, err := cursor.Load(context.Background())
	require.NoError(t, err)
	assert.Zero(t, id)

	require.NoError(t, cursor.Save(context.Background(), 17))
	got, err := mr.Get(DefaultCursorKey)
	require.NoError(t, err)
	assert.Equal(t, "17", got)
}

func TestFromLog_StableID(t *testing.T) {
	l := appointment.AppointmentLog{ID: 9, EventType: appointment.LogPaymentConfirmed}
	assert.Equal(t, FromLog(l).ID, FromLog(l).ID)
	assert.NotEqual(t, FromLog(l).ID, FromLog(appointment.AppointmentLog{ID: 10}).ID)
}
