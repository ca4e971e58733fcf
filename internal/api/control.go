package api

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/wsync/internal/bus"
	"github.com/matheus3301/wsync/internal/graph"
	"github.com/matheus3301/wsync/internal/outbox"
	"github.com/matheus3301/wsync/internal/push"
	"github.com/matheus3301/wsync/internal/session"
	wsync "github.com/matheus3301/wsync/internal/sync"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Control implements the control service on top of the session manager.
type Control struct {
	manager   *session.Manager
	composer  *outbox.Composer
	bus       *bus.Bus
	logger    *zap.Logger
	startedAt time.Time
}

// NewControl creates the control service.
func NewControl(m *session.Manager, c *outbox.Composer, b *bus.Bus, logger *zap.Logger) *Control {
	return &Control{
		manager:   m,
		composer:  c,
		bus:       b,
		logger:    logger.Named("api"),
		startedAt: time.Now(),
	}
}

func (c *Control) Status(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	var accounts []any
	for _, info := range c.manager.List() {
		accounts = append(accounts, map[string]any{
			"id":        info.Account.ID,
			"name":      info.Account.Name,
			"user":      info.Account.UserID,
			"client":    info.Account.ClientID,
			"logged_in": info.Account.LoggedIn(),
			"active":    info.Active,
			"resident":  info.Resident,
			"phase":     info.Phase,
			"state":     info.State,
		})
	}
	active := ""
	if s := c.manager.Active(); s != nil {
		active = s.Account()
	}
	return reply(map[string]any{
		"active":    active,
		"accounts":  accounts,
		"uptime_ms": float64(time.Since(c.startedAt).Milliseconds()),
	})
}

func (c *Control) Login(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	s, err := c.manager.Login(ctx, session.Credentials{
		Email:    str(req, "email"),
		Password: str(req, "password"),
		Name:     str(req, "name"),
	})
	if err != nil {
		return nil, c.toStatus("login", err)
	}
	return reply(map[string]any{"account": s.Account(), "name": s.Info().Name})
}

func (c *Control) Select(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := c.accountID(req)
	if err != nil {
		return nil, err
	}
	s, err := c.manager.Select(ctx, id)
	if err != nil {
		return nil, c.toStatus("select", err)
	}
	return reply(map[string]any{"account": s.Account()})
}

func (c *Control) Logout(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := c.accountID(req)
	if err != nil {
		return nil, err
	}
	if err := c.manager.Logout(ctx, id); err != nil {
		return nil, c.toStatus("logout", err)
	}
	return reply(map[string]any{"account": id})
}

func (c *Control) Delete(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := c.accountID(req)
	if err != nil {
		return nil, err
	}
	if err := c.manager.Delete(ctx, id); err != nil {
		return nil, c.toStatus("delete", err)
	}
	return reply(map[string]any{"account": id})
}

func (c *Control) SendText(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	s, err := c.session(ctx, req)
	if err != nil {
		return nil, err
	}
	r, err := c.composer.SendText(ctx, s, str(req, "conversation"), str(req, "text"))
	if err != nil {
		return nil, c.toStatus("send text", err)
	}
	return reply(map[string]any{"nonce": r.Nonce})
}

func (c *Control) SendAsset(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	s, err := c.session(ctx, req)
	if err != nil {
		return nil, err
	}
	r, err := c.composer.SendAsset(ctx, s, str(req, "conversation"), graph.Asset{
		Name:         str(req, "name"),
		MimeType:     str(req, "mime_type"),
		Size:         int64(num(req, "size")),
		HasThumbnail: flag(req, "has_thumbnail"),
	}, str(req, "caption"))
	if err != nil {
		return nil, c.toStatus("send asset", err)
	}
	return reply(map[string]any{"nonce": r.Nonce})
}

func (c *Control) Resend(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	s, err := c.session(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := c.composer.Resend(ctx, s, str(req, "nonce")); err != nil {
		return nil, c.toStatus("resend", err)
	}
	return reply(map[string]any{"nonce": str(req, "nonce")})
}

func (c *Control) SetTyping(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	s, err := c.session(ctx, req)
	if err != nil {
		return nil, err
	}
	conv, ok := s.Store().Lookup(graph.EntityConversation, str(req, "conversation"))
	if !ok {
		return nil, c.toStatus("set typing", outbox.ErrUnknownConversation)
	}
	if err := s.SetTyping(ctx, conv.ID, flag(req, "typing")); err != nil {
		return nil, c.toStatus("set typing", err)
	}
	return reply(nil)
}

func (c *Control) SetPushToken(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	s, err := c.session(ctx, req)
	if err != nil {
		return nil, err
	}
	token := str(req, "token")
	if token == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "token is required")
	}
	err = s.SetPushToken(ctx, graph.PushToken{
		Token:     token,
		AppID:     str(req, "app"),
		Transport: str(req, "transport"),
	})
	if err != nil {
		return nil, c.toStatus("set push token", err)
	}
	return reply(nil)
}

func (c *Control) DeletePushToken(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	s, err := c.session(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.DeletePushToken(ctx); err != nil {
		return nil, c.toStatus("delete push token", err)
	}
	return reply(nil)
}

// Push hands a remote notification to the manager and returns once it has
// been processed.
func (c *Control) Push(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	source, err := push.ParseSource(str(req, "source"))
	if err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	p := push.Payload{Account: str(req, "account"), Source: source}
	if data := str(req, "data"); data != "" {
		if !json.Valid([]byte(data)) {
			return nil, grpcstatus.Error(codes.InvalidArgument, "data is not valid JSON")
		}
		p.Data = json.RawMessage(data)
	}
	done := make(chan struct{})
	c.manager.HandlePush(ctx, p, func() { close(done) })
	<-done
	return reply(nil)
}

func (c *Control) DeviceState(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	s, err := c.session(ctx, req)
	if err != nil {
		return nil, err
	}
	st, err := s.DeviceState(ctx, str(req, "user"), str(req, "client"))
	if err != nil {
		return nil, c.toStatus("device state", err)
	}
	return reply(map[string]any{"state": st.String()})
}

func (c *Control) ReleaseBackground(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	c.manager.ReleaseBackgroundSessions()
	return reply(nil)
}

// WatchEvents streams bus events whose kind starts with the requested
// namespace, optionally restricted to one account.
func (c *Control) WatchEvents(req *structpb.Struct, stream grpc.ServerStream) error {
	ch, unsub := c.bus.Subscribe(str(req, "namespace"), 256)
	defer unsub()
	account := str(req, "account")
	for {
		select {
		case evt := <-ch:
			if account != "" && evt.Account != account {
				continue
			}
			msg, err := envelope(evt)
			if err != nil {
				c.logger.Warn("dropping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func envelope(evt bus.Event) (*structpb.Struct, error) {
	payload := ""
	if evt.Payload != nil {
		data, err := json.Marshal(evt.Payload)
		if err != nil {
			return nil, err
		}
		payload = string(data)
	}
	return structpb.NewStruct(map[string]any{
		"event_id":    uuid.NewString(),
		"kind":        evt.Kind,
		"account":     evt.Account,
		"occurred_at": float64(evt.Timestamp.UnixMilli()),
		"payload":     payload,
	})
}

// accountID returns the requested account, defaulting to the active one.
func (c *Control) accountID(req *structpb.Struct) (string, error) {
	if id := str(req, "account"); id != "" {
		if a, ok := c.manager.Registry().FindByName(id); ok {
			return a.ID, nil
		}
		return id, nil
	}
	if s := c.manager.Active(); s != nil {
		return s.Account(), nil
	}
	return "", grpcstatus.Error(codes.FailedPrecondition, "no active account")
}

func (c *Control) session(ctx context.Context, req *structpb.Struct) (*session.UserSession, error) {
	id, err := c.accountID(req)
	if err != nil {
		return nil, err
	}
	s, err := c.manager.LoadSession(ctx, id)
	if err != nil {
		return nil, c.toStatus("load session", err)
	}
	return s, nil
}

// toStatus maps domain errors to gRPC codes. Unexpected errors are logged
// and reported without detail.
func (c *Control) toStatus(op string, err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, session.ErrUnknownAccount), errors.Is(err, outbox.ErrUnknownConversation), errors.Is(err, outbox.ErrUnknownMessage):
		code = codes.NotFound
	case errors.Is(err, session.ErrInvalidCredentials):
		code = codes.Unauthenticated
	case errors.Is(err, session.ErrTooManyAccounts):
		code = codes.ResourceExhausted
	case errors.Is(err, session.ErrNameTaken):
		code = codes.AlreadyExists
	case errors.Is(err, session.ErrLoggedOut), errors.Is(err, session.ErrLoginInProgress), errors.Is(err, session.ErrClosed):
		code = codes.FailedPrecondition
	case errors.Is(err, outbox.ErrEmptyMessage):
		code = codes.InvalidArgument
	case errors.Is(err, wsync.ErrContextClosed):
		code = codes.Unavailable
	}
	if code == codes.Internal {
		c.logger.Error(op+" failed", zap.Error(err))
		return grpcstatus.Errorf(code, "%s failed", op)
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}

func reply(fields map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode reply: %v", err)
	}
	return s, nil
}

func str(req *structpb.Struct, key string) string {
	return req.GetFields()[key].GetStringValue()
}

func num(req *structpb.Struct, key string) float64 {
	return req.GetFields()[key].GetNumberValue()
}

func flag(req *structpb.Struct, key string) bool {
	return req.GetFields()[key].GetBoolValue()
}
