// Package natsdist implements dist.Collective across processes on top of a
// NATS JetStream stream. Each job gets one stream; every rank reads it from
// the beginning through an ordered consumer, so a rank that connects late
// still sees every contribution.
package natsdist

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"github.com/yizhe-ang/MMSceneGraph/logging"
)

// Config describes one rank's membership in a job
type Config struct {
	URL       string
	JobID     string
	Rank      int
	WorldSize int
	Timeout   time.Duration
	Storage   nats.StorageType
	// Logger receives membership events; nothing is logged when nil
	Logger    *slog.Logger
}

// Collective is one rank's connection to the job stream
type Collective struct {
	conf    Config
	logger  *slog.Logger
	nc      *nats.Conn
	js      nats.JetStreamContext
	sub     *nats.Subscription
	subject string

	seq     uint64
	pending map[uint64]map[int]*envelope
}

// Connect joins the job, creating the stream if no other rank has yet
func Connect(conf Config) (*Collective, error) {
	if conf.WorldSize <= 0 {
		return nil, errors.Errorf("world size must be positive, got %d", conf.WorldSize)
	}
	if conf.Rank < 0 || conf.Rank >= conf.WorldSize {
		return nil, errors.Errorf("rank %d out of range for world size %d", conf.Rank, conf.WorldSize)
	}
	if conf.JobID == "" {
		return nil, errors.New("job id is required")
	}
	if conf.Timeout <= 0 {
		conf.Timeout = 5 * time.Minute
	}

	nc, err := nats.Connect(conf.URL,
		nats.Name(fmt.Sprintf("sgg-train-%s-rank-%d", conf.JobID, conf.Rank)),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to NATS")
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, errors.Wrap(err, "failed to get JetStream context")
	}

	name := streamName(conf.JobID)
	subject := "sgg." + name
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     name,
		Subjects: []string{subject + ".>"},
		Storage:  conf.Storage,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		nc.Close()
		return nil, errors.Wrapf(err, "failed to create stream %s", name)
	}

	sub, err := js.SubscribeSync(subject+".>", nats.OrderedConsumer(), nats.DeliverAll())
	if err != nil {
		nc.Close()
		return nil, errors.Wrap(err, "failed to subscribe to job stream")
	}

	logger := logging.With(logging.OrDiscard(conf.Logger), logging.Dist, "job", conf.JobID, "rank", conf.Rank)
	logger.Info("joined collective", "world_size", conf.WorldSize)

	return &Collective{
		conf:    conf,
		logger:  logger,
		nc:      nc,
		js:      js,
		sub:     sub,
		subject: subject,
		pending: make(map[uint64]map[int]*envelope),
	}, nil
}

// Close leaves the job. The stream is left for the other ranks.
func (c *Collective) Close() error {
	if err := c.sub.Unsubscribe(); err != nil {
		c.logger.Warn("failed to unsubscribe from job stream", "error", err)
	}
	c.nc.Close()
	return nil
}

func (c *Collective) Rank() int      { return c.conf.Rank }
func (c *Collective) WorldSize() int { return c.conf.WorldSize }

func (c *Collective) AllReduceMean(ctx context.Context, values []float64) error {
	all, err := c.exchange(ctx, opAllReduce, values, true)
	if err != nil {
		return err
	}
	for i := range values {
		var sum float64
		for _, env := range all {
			if len(env.Values) != len(values) {
				return errors.Errorf("all-reduce size mismatch: rank %d sent %d values, expected %d",
					env.Rank, len(env.Values), len(values))
			}
			sum += env.Values[i]
		}
		values[i] = sum / float64(c.conf.WorldSize)
	}
	return nil
}

func (c *Collective) Broadcast(ctx context.Context, root int, values []float64) error {
	if root < 0 || root >= c.conf.WorldSize {
		return errors.Errorf("broadcast root %d out of range for world size %d", root, c.conf.WorldSize)
	}
	all, err := c.exchange(ctx, opBroadcast, values, c.conf.Rank == root)
	if err != nil {
		return err
	}
	src, ok := all[root]
	if !ok {
		return errors.Errorf("broadcast root %d sent nothing", root)
	}
	if len(src.Values) != len(values) {
		return errors.Errorf("broadcast size mismatch: root sent %d values, expected %d", len(src.Values), len(values))
	}
	copy(values, src.Values)
	return nil
}

func (c *Collective) Barrier(ctx context.Context) error {
	_, err := c.exchange(ctx, opBarrier, nil, true)
	return err
}

// exchange publishes this rank's contribution for the next sequence number
// and waits until the contributions it needs have arrived. For broadcast only
// the root publishes and only the root's message is awaited.
func (c *Collective) exchange(ctx context.Context, op uint64, values []float64, publish bool) (map[int]*envelope, error) {
	seq := c.seq
	c.seq++

	if publish {
		data := encode(&envelope{Op: op, Seq: seq, Rank: c.conf.Rank, Values: values})
		subject := fmt.Sprintf("%s.%d.%d", c.subject, seq, c.conf.Rank)
		if _, err := c.js.Publish(subject, data, nats.Context(ctx)); err != nil {
			return nil, errors.Wrapf(err, "failed to publish collective %d", seq)
		}
	}

	need := c.conf.WorldSize
	if op == opBroadcast {
		need = 1
	}

	deadline := time.Now().Add(c.conf.Timeout)
	for len(c.pending[seq]) < need {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, errors.Errorf("collective %d timed out with %d/%d contributions", seq, len(c.pending[seq]), need)
		}
		if wait > time.Second {
			wait = time.Second
		}
		msg, err := c.sub.NextMsg(wait)
		if errors.Is(err, nats.ErrTimeout) {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to read job stream")
		}
		env, err := decode(msg.Data)
		if err != nil {
			return nil, err
		}
		if env.Seq < seq {
			continue
		}
		if env.Seq == seq && env.Op != op {
			return nil, errors.Errorf("collective mismatch at %d: rank %d issued op %d, rank %d issued op %d",
				seq, env.Rank, env.Op, c.conf.Rank, op)
		}
		byRank, ok := c.pending[env.Seq]
		if !ok {
			byRank = make(map[int]*envelope)
			c.pending[env.Seq] = byRank
		}
		byRank[env.Rank] = env
	}

	all := c.pending[seq]
	delete(c.pending, seq)
	return all, nil
}

// streamName maps a job id onto the characters JetStream accepts
func streamName(jobID string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "/", "_", "\\", "_")
	return "SGG_" + r.Replace(jobID)
}
