package changes

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/sectioning/internal/model"
	"github.com/dreamware/sectioning/internal/storage"
)

func queues(t *testing.T) map[string]Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return map[string]Queue{
		"memory": NewMemoryQueue(),
		"redis":  NewRedisQueue(client, "test:changes"),
	}
}

func TestQueue(t *testing.T) {
	base := time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC)
	ctx := context.Background()

	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			last, err := q.Last(ctx, 1)
			require.NoError(t, err)
			assert.Zero(t, last)

			student := &model.Student{ID: 4, Name: "Ada", Requests: []model.Request{
				&model.CourseRequest{ID: 40, Courses: []model.CourseID{{OfferingID: 1, CourseID: 10}}},
				&model.FreeTimeRequest{ID: 41, Days: 3},
			}}
			require.NoError(t, q.Publish(ctx, Change{Session: 1, Kind: StudentUpdated, Student: student, At: base.Add(2 * time.Second)}))
			require.NoError(t, q.Publish(ctx, Change{Session: 1, Kind: OfferingUpdated, Offering: &model.Offering{ID: 1}, At: base}))
			require.NoError(t, q.Publish(ctx, Change{Session: 1, Kind: Reload, At: base.Add(time.Second)}))
			require.NoError(t, q.Publish(ctx, Change{Session: 2, Kind: StudentRemoved, StudentID: 9, At: base}))

			all, err := q.Since(ctx, 1, 0)
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, []Kind{StudentUpdated, OfferingUpdated, Reload}, []Kind{all[0].Kind, all[1].Kind, all[2].Kind},
				"publish order wins over timestamps")
			assert.Equal(t, []int64{1, 2, 3}, []int64{all[0].Seq, all[1].Seq, all[2].Seq})
			assert.Equal(t, int64(1), all[1].OfferingID)
			assert.NotEmpty(t, all[1].ID)
			assert.True(t, base.Equal(all[1].At))

			got := all[0].Student
			require.NotNil(t, got)
			assert.Equal(t, "Ada", got.Name)
			require.Len(t, got.Requests, 2)
			assert.Equal(t, int64(4), got.CourseRequests()[0].StudentID)
			assert.Equal(t, int64(4), all[0].StudentID)

			later, err := q.Since(ctx, 1, all[0].Seq)
			require.NoError(t, err)
			assert.Len(t, later, 2)

			none, err := q.Since(ctx, 1, all[2].Seq)
			require.NoError(t, err)
			assert.Empty(t, none)

			last, err = q.Last(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, int64(3), last)

			other, err := q.Since(ctx, 3, 0)
			require.NoError(t, err)
			assert.Empty(t, other)
			last, err = q.Last(ctx, 2)
			require.NoError(t, err)
			assert.Equal(t, int64(1), last, "sessions are numbered independently")
		})
	}
}

func TestReaderNeverSkipsOlderStamps(t *testing.T) {
	stamp := time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC)
	ctx := context.Background()
	updated := func(id int64, at time.Time) Change {
		return Change{Session: 1, Kind: StudentUpdated, Student: &model.Student{ID: id}, At: at}
	}

	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, q.Publish(ctx, updated(2, stamp)))
			first, err := q.Since(ctx, 1, 0)
			require.NoError(t, err)
			require.Len(t, first, 1)
			position := first[0].Seq

			// Stamped no later than what the reader already saw.
			require.NoError(t, q.Publish(ctx, updated(3, stamp)))
			require.NoError(t, q.Publish(ctx, updated(4, stamp.Add(-time.Microsecond))))

			next, err := q.Since(ctx, 1, position)
			require.NoError(t, err)
			require.Len(t, next, 2)
			assert.Equal(t, int64(3), next[0].StudentID)
			assert.Equal(t, int64(4), next[1].StudentID)
		})
	}
}

func TestConcurrentPublishIsGapFree(t *testing.T) {
	ctx := context.Background()
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			var g errgroup.Group
			for i := int64(1); i <= 20; i++ {
				g.Go(func() error {
					return q.Publish(ctx, Change{Session: 1, Kind: StudentRemoved, StudentID: i})
				})
			}
			require.NoError(t, g.Wait())

			all, err := q.Since(ctx, 1, 0)
			require.NoError(t, err)
			require.Len(t, all, 20)
			seen := make(map[int64]bool)
			for i, c := range all {
				assert.Equal(t, int64(i+1), c.Seq)
				seen[c.StudentID] = true
			}
			assert.Len(t, seen, 20)
		})
	}
}

func TestApply(t *testing.T) {
	store := storage.NewMemoryStore()
	student := &model.Student{ID: 1, Requests: []model.Request{
		&model.CourseRequest{ID: 10, Courses: []model.CourseID{{OfferingID: 5, CourseID: 50}}},
	}}
	offering := &model.Offering{ID: 5, Courses: []*model.Course{{ID: 50, Name: "CS101"}}}

	apply := func(c Change) {
		require.NoError(t, store.Update(func(w storage.Writer) error {
			c.Apply(w)
			return nil
		}))
	}
	apply(Change{Kind: OfferingUpdated, Offering: offering})
	apply(Change{Kind: StudentUpdated, Student: student})
	apply(Change{Kind: ExpectationsUpdated, Expectations: &model.Expectations{OfferingID: 5, Version: 2}})
	apply(Change{Kind: Reload})

	assert.NotNil(t, store.GetOffering(5))
	assert.Len(t, store.GetRequests(5), 1)
	assert.Equal(t, int64(2), store.GetExpectations(5).Version)

	apply(Change{Kind: StudentRemoved, StudentID: 1})
	apply(Change{Kind: OfferingRemoved, OfferingID: 5})
	assert.Nil(t, store.GetStudent(1))
	assert.Nil(t, store.GetOffering(5))
	assert.Zero(t, store.GetExpectations(5).Version)
}

func TestPublishRejectsMissingPayload(t *testing.T) {
	ctx := context.Background()
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			for _, c := range []Change{
				{Session: 1, Kind: OfferingUpdated},
				{Session: 1, Kind: StudentUpdated},
				{Session: 1, Kind: ExpectationsUpdated},
				{Session: 1, Kind: "bogus"},
			} {
				err := q.Publish(ctx, c)
				assert.True(t, errors.Is(err, ErrInvalidChange), c.Kind)
			}
		})
	}
}

func TestCodec(t *testing.T) {
	c := Change{
		ID: "x", Session: 5, Kind: ExpectationsUpdated, At: time.Unix(100, 0).UTC(),
		Expectations: &model.Expectations{OfferingID: 3, Version: 2, Sections: map[int64]float64{7: 0.25}},
	}
	data, err := Encode(c)
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, c.Expectations, got.Expectations)
	assert.True(t, c.At.Equal(got.At))

	_, err = Decode([]byte("{"))
	assert.Error(t, err)
}
