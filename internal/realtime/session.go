package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"clinicq/queue-service/internal/models"
	"clinicq/queue-service/internal/queue"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	ActionJoin  = "queue:join"
	ActionLeave = "queue:leave"

	TypeJoined = "queue:joined"
	TypeLeft   = "queue:left"
	TypeError  = "queue:error"
)

// Session is the transport-neutral view of one connected socket.
type Session interface {
	Recv() (string, error)
	Send(string) error
}

type SnapshotSource interface {
	Snapshot(ctx context.Context, doctorID string) (models.QueueSnapshot, error)
}

type ClientMessage struct {
	Action   string `json:"action"`
	DoctorID string `json:"doctor_id"`
}

type Ack struct {
	Type     string `json:"type"`
	DoctorID string `json:"doctor_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

type JoinedAck struct {
	Type       string              `json:"type"`
	DoctorID   string              `json:"doctor_id"`
	Doctor     models.Doctor       `json:"doctor"`
	Waiting    []models.QueueEntry `json:"waiting"`
	InProgress *models.QueueEntry  `json:"in_progress,omitempty"`
}

func ParseClientMessage(data string) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return ClientMessage{}, errors.New("malformed message")
	}
	msg.DoctorID = strings.TrimSpace(msg.DoctorID)
	if msg.Action != ActionJoin && msg.Action != ActionLeave {
		return ClientMessage{}, errors.New("unknown action")
	}
	if msg.DoctorID == "" {
		return ClientMessage{}, errors.New("doctor_id is required")
	}
	return msg, nil
}

// Server runs the join/leave protocol for sessions of any transport.
type Server struct {
	hub       *Hub
	snapshots SnapshotSource
	buffer    int
	timeout   time.Duration
	logger    zerolog.Logger
}

func NewServer(hub *Hub, snapshots SnapshotSource, buffer int, logger zerolog.Logger) *Server {
	return &Server{
		hub:       hub,
		snapshots: snapshots,
		buffer:    buffer,
		timeout:   5 * time.Second,
		logger:    logger.With().Str("component", "realtime_session").Logger(),
	}
}

// Serve blocks until the session's Recv fails. All writes to the session go
// through the client's Send channel so they never interleave.
func (s *Server) Serve(ctx context.Context, session Session) {
	client := NewClient(uuid.NewString(), s.buffer)
	s.hub.Register(client)

	done := make(chan struct{})
	go func() {
		defer close(done)
		broken := false
		for msg := range client.Send {
			if broken {
				continue
			}
			if err := session.Send(string(msg)); err != nil {
				broken = true
				s.logger.Debug().Err(err).Str("client_id", client.ID).Msg("session send failed")
			}
		}
	}()
	defer func() {
		s.hub.Unregister(client)
		<-done
	}()

	for {
		raw, err := session.Recv()
		if err != nil {
			return
		}
		msg, err := ParseClientMessage(raw)
		if err != nil {
			s.reply(client, Ack{Type: TypeError, Error: err.Error()})
			continue
		}
		switch msg.Action {
		case ActionJoin:
			s.join(ctx, client, msg.DoctorID)
		case ActionLeave:
			s.hub.Leave(client, msg.DoctorID)
			s.reply(client, Ack{Type: TypeLeft, DoctorID: msg.DoctorID})
		}
	}
}

// join subscribes before reading the snapshot so no event committed after
// the snapshot can be missed.
func (s *Server) join(ctx context.Context, client *Client, doctorID string) {
	s.hub.Join(client, doctorID)
	snapCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	snapshot, err := s.snapshots.Snapshot(snapCtx, doctorID)
	if err != nil {
		s.hub.Leave(client, doctorID)
		message := "snapshot unavailable"
		if errors.Is(err, queue.ErrNotFound) {
			message = "doctor not found"
		} else {
			s.logger.Error().Err(err).Str("doctor_id", doctorID).Msg("load queue snapshot")
		}
		s.reply(client, Ack{Type: TypeError, DoctorID: doctorID, Error: message})
		return
	}
	waiting := snapshot.Waiting
	if waiting == nil {
		waiting = []models.QueueEntry{}
	}
	s.reply(client, JoinedAck{
		Type:       TypeJoined,
		DoctorID:   doctorID,
		Doctor:     snapshot.Doctor,
		Waiting:    waiting,
		InProgress: snapshot.InProgress,
	})
}

// reply blocks until the writer has room. Only Serve closes client.Send, and
// it does so after the read loop has returned.
func (s *Server) reply(client *Client, ack interface{}) {
	payload, err := json.Marshal(ack)
	if err != nil {
		s.logger.Error().Err(err).Msg("encode ack")
		return
	}
	client.Send <- payload
}
