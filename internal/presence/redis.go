// Package presence mirrors room membership into Redis so that other
// processes (dashboards, other coordinator nodes) can see who is editing what.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/manpreetbhatti/kodeon/backend/internal/collab"
	"github.com/redis/go-redis/v9"
)

const (
	activeProjectsKey = "active_projects"
	opTimeout         = 2 * time.Second
)

func participantsKey(projectID string) string {
	return "presence:" + projectID
}

// The subset of *redis.Client used by the mirror.
type client interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	Close() error
}

type entry struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type op struct {
	name      string
	projectID string
	run       func(ctx context.Context) error
}

// Mirror implements collab.PresenceObserver. Writes are queued and applied by
// a single worker, so the coordinator never waits on Redis.
type Mirror struct {
	client client
	log    *slog.Logger
	ops    chan op
	stop   chan struct{}
	wg     sync.WaitGroup
}

// Dial connects to Redis and checks the connection.
func Dial(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	rc := redis.NewClient(opts)
	if err := rc.Ping(ctx).Err(); err != nil {
		rc.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return rc, nil
}

func NewMirror(c client, queueSize int, log *slog.Logger) *Mirror {
	return &Mirror{
		client: c,
		log:    log,
		ops:    make(chan op, queueSize),
		stop:   make(chan struct{}),
	}
}

func (m *Mirror) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop applies queued writes and closes the Redis client.
func (m *Mirror) Stop() {
	close(m.stop)
	m.wg.Wait()
	if err := m.client.Close(); err != nil {
		m.log.Warn("Closing Redis client", "error", err)
	}
}

func (m *Mirror) run() {
	defer m.wg.Done()
	for {
		select {
		case o := <-m.ops:
			m.apply(o)
		case <-m.stop:
			for {
				select {
				case o := <-m.ops:
					m.apply(o)
				default:
					return
				}
			}
		}
	}
}

func (m *Mirror) apply(o op) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := o.run(ctx); err != nil {
		m.log.Warn("Presence mirror write failed", "op", o.name, "project_id", o.projectID, "error", err)
	}
}

func (m *Mirror) enqueue(o op) {
	select {
	case m.ops <- o:
	default:
		m.log.Warn("Presence mirror queue full, dropping write", "op", o.name, "project_id", o.projectID)
	}
}

func (m *Mirror) ParticipantJoined(projectID string, p collab.Participant) {
	value, err := json.Marshal(entry{UserID: p.UserID, Username: p.Username})
	if err != nil {
		m.log.Error("Encoding presence entry", "error", err)
		return
	}
	m.enqueue(op{name: "join", projectID: projectID, run: func(ctx context.Context) error {
		if err := m.client.HSet(ctx, participantsKey(projectID), p.ConnectionID, string(value)).Err(); err != nil {
			return err
		}
		return m.client.SAdd(ctx, activeProjectsKey, projectID).Err()
	}})
}

func (m *Mirror) ParticipantLeft(projectID string, p collab.Participant) {
	m.enqueue(op{name: "leave", projectID: projectID, run: func(ctx context.Context) error {
		return m.client.HDel(ctx, participantsKey(projectID), p.ConnectionID).Err()
	}})
}

func (m *Mirror) RoomClosed(projectID string, _ []collab.FileState) {
	m.enqueue(op{name: "close", projectID: projectID, run: func(ctx context.Context) error {
		if err := m.client.Del(ctx, participantsKey(projectID)).Err(); err != nil {
			return err
		}
		return m.client.SRem(ctx, activeProjectsKey, projectID).Err()
	}})
}

// ActiveProjects lists projects with at least one participant on any node.
func (m *Mirror) ActiveProjects(ctx context.Context) ([]string, error) {
	return m.client.SMembers(ctx, activeProjectsKey).Result()
}

// Participants lists the users present in a project on any node.
func (m *Mirror) Participants(ctx context.Context, projectID string) ([]collab.Participant, error) {
	fields, err := m.client.HGetAll(ctx, participantsKey(projectID)).Result()
	if err != nil {
		return nil, err
	}

	participants := make([]collab.Participant, 0, len(fields))
	for connID, raw := range fields {
		var e entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			m.log.Warn("Skipping malformed presence entry", "project_id", projectID, "conn_id", connID)
			continue
		}
		participants = append(participants, collab.Participant{
			ConnectionID: connID,
			UserID:       e.UserID,
			Username:     e.Username,
		})
	}
	return participants, nil
}
