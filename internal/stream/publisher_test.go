package stream_test

import (
	stderrors "errors"
	"testing"
	"time"

	"codeberg.org/mutker/rowstate/internal/errors"
	"codeberg.org/mutker/rowstate/internal/ftms"
	"codeberg.org/mutker/rowstate/internal/hrm"
	"codeberg.org/mutker/rowstate/internal/logger"
	"codeberg.org/mutker/rowstate/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	subject string
	data    string
}

type fakeConn struct {
	msgs    []published
	err     error
	drained bool
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, published{subject, string(data)})
	return nil
}

func (c *fakeConn) Drain() error {
	c.drained = true
	return nil
}

func TestPublishSubjects(t *testing.T) {
	conn := &fakeConn{}
	p := stream.NewPublisher(conn, logger.Nop())

	spm, count := 22.0, uint16(10)
	require.NoError(t, p.Rower(ftms.RowerData{StrokeRate: &spm, StrokeCount: &count}))
	require.NoError(t, p.HeartRate(hrm.Measurement{HeartRate: 72, ContactDetected: true, RRIntervals: []uint16{}}))
	require.NoError(t, p.Rate(stream.RateSample{Rate: 1.2, Target: 1.4, Time: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}))

	require.Len(t, conn.msgs, 3)

	assert.Equal(t, stream.SubjectRower, conn.msgs[0].subject)
	assert.JSONEq(t, `{"strokeRate":22,"strokeCount":10}`, conn.msgs[0].data, "absent fields are omitted")

	assert.Equal(t, stream.SubjectHeartRate, conn.msgs[1].subject)
	assert.JSONEq(t, `{"heartRate":72,"contactDetected":true,"rrIntervals":[]}`, conn.msgs[1].data)

	assert.Equal(t, stream.SubjectRate, conn.msgs[2].subject)
	assert.JSONEq(t, `{"rate":1.2,"target":1.4,"time":"2024-01-02T03:04:05Z"}`, conn.msgs[2].data)

	p.Close()
	assert.True(t, conn.drained)
}

func TestPublishFailure(t *testing.T) {
	conn := &fakeConn{err: stderrors.New("nats: connection closed")}
	p := stream.NewPublisher(conn, logger.Nop())

	err := p.Rate(stream.RateSample{Rate: 1})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, stream.ErrPublish))
}

func TestConnectFailure(t *testing.T) {
	_, err := stream.Connect("nats://127.0.0.1:1")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, stream.ErrConnect))
}
