package ingress

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/snapq/internal/audit"
	"github.com/basket/snapq/internal/broker"
	"github.com/basket/snapq/internal/fault"
	"github.com/basket/snapq/internal/metrics"
	"github.com/basket/snapq/internal/otel"
	"github.com/basket/snapq/internal/queue"
	"github.com/basket/snapq/internal/shared"
)

const (
	writeTimeout = 10 * time.Second
	// envelopeSlack covers the JSON around a base64 chunk.
	envelopeSlack = 64 << 10
)

// Session describes one authenticated upload connection.
type Session struct {
	ConnectionID  string    `json:"connection_id"`
	Identity      string    `json:"identity"`
	RemoteAddr    string    `json:"remote_addr"`
	EstablishedAt time.Time `json:"established_at"`
	ExpiresAt     time.Time `json:"expires_at,omitzero"`
	token         string
}

type frame struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// outcome is the terminal state of a task the session is following.
type outcome struct {
	taskID   string
	fileName string
	event    broker.Event
	err      error
}

type upload struct {
	name   string
	buf    bytes.Buffer
	chunks int
}

// uploadSession holds the state of one connection. Only the goroutine in
// run touches it or writes to the socket; the reader and the task followers
// hand their results over channels.
type uploadSession struct {
	srv    *Server
	conn   *websocket.Conn
	sess   *Session
	limits Limits
	logger *slog.Logger

	frames   chan frame
	outcomes chan outcome

	files    map[string]*upload
	rejected map[string]string
	pending  map[string]string
	followed map[string]bool
	ended    bool
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.Limits.AllowOrigins,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.CloseNow()
	// base64 inflates by 4/3.
	conn.SetReadLimit(s.cfg.Limits.MaxFileBytes*4/3 + envelopeSlack)

	connID := uuid.NewString()
	ctx, cancel := context.WithCancel(shared.WithConnectionID(shared.WithTraceID(r.Context(), shared.NewTraceID()), connID))
	defer cancel()
	ctx, span := otel.StartServerSpan(otel.ExtractHTTP(ctx, r.Header), s.cfg.Telemetry.Tracer, "ingress.session", otel.AttrConnectionID.String(connID))
	defer span.End()
	if sc := span.SpanContext(); sc.HasTraceID() {
		ctx = shared.WithTraceID(ctx, sc.TraceID().String())
	}

	metrics.Sessions.Inc()
	defer metrics.Sessions.Dec()
	if s.cfg.Instruments != nil {
		s.cfg.Instruments.ActiveSessions.Add(ctx, 1)
		defer s.cfg.Instruments.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	}

	u := &uploadSession{
		srv:      s,
		conn:     conn,
		limits:   s.cfg.Limits,
		logger:   s.logger.With(shared.LogAttrs(ctx)...),
		frames:   make(chan frame),
		outcomes: make(chan outcome, 16),
		files:    make(map[string]*upload),
		rejected: make(map[string]string),
		pending:  make(map[string]string),
		followed: make(map[string]bool),
	}
	readCtx, stopReading := context.WithCancel(context.WithoutCancel(ctx))
	defer stopReading()
	go u.readLoop(readCtx)

	first, ok := u.authenticate(ctx, connID, r.RemoteAddr)
	if !ok {
		return
	}
	span.SetAttributes(otel.AttrIdentity.String(u.sess.Identity))
	s.track(u.sess)
	defer s.untrack(connID)
	u.logger = u.logger.With("identity", u.sess.Identity)
	u.logger.Info("upload session established", "remote", r.RemoteAddr)

	u.run(ctx, first)
}

// readLoop feeds frames to run. Cancelling a read makes the library close
// the connection itself, so ctx must outlive the session's own close.
func (u *uploadSession) readLoop(ctx context.Context) {
	for {
		typ, data, err := u.conn.Read(ctx)
		select {
		case u.frames <- frame{typ: typ, data: data, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// authenticate waits for the auth frame. When that frame also carries a
// file field it is returned for processing.
func (u *uploadSession) authenticate(ctx context.Context, connID, remote string) (*ClientMessage, bool) {
	timer := time.NewTimer(u.limits.AuthTimeout)
	defer timer.Stop()

	var f frame
	select {
	case <-ctx.Done():
		_ = u.conn.Close(websocket.StatusGoingAway, "server shutting down")
		return nil, false
	case <-timer.C:
		u.fail(ctx, fault.Auth, CodeUnauthorized, "authentication timeout", websocket.StatusPolicyViolation)
		return nil, false
	case f = <-u.frames:
	}
	if f.err != nil {
		u.logger.Info("client left before authenticating", "error", f.err)
		return nil, false
	}
	msg, err := u.decode(f)
	if err != nil || msg.Token == "" {
		audit.Record(audit.Event{Decision: audit.Deny, Action: audit.ActionUpload, Reason: "missing token", Remote: remote, ConnectionID: connID})
		u.fail(ctx, fault.Auth, CodeUnauthorized, "first message must carry a token", websocket.StatusPolicyViolation)
		return nil, false
	}
	id, err := u.srv.cfg.Auth.Verify(ctx, msg.Token)
	if err != nil {
		u.logger.Info("upload authentication failed", "remote", remote, "error", err)
		audit.Record(audit.Event{Decision: audit.Deny, Action: audit.ActionUpload, Reason: authMessage(err), Remote: remote, ConnectionID: connID})
		if fault.Is(err, fault.Transient) {
			u.fail(ctx, fault.Transient, CodeUnavailable, authMessage(err), websocket.StatusTryAgainLater)
		} else {
			u.fail(ctx, fault.Auth, CodeUnauthorized, authMessage(err), websocket.StatusPolicyViolation)
		}
		return nil, false
	}

	u.sess = &Session{
		ConnectionID:  connID,
		Identity:      id.Subject,
		RemoteAddr:    remote,
		EstablishedAt: u.srv.cfg.Clock(),
		ExpiresAt:     id.ExpiresAt,
		token:         msg.Token,
	}
	audit.Record(audit.Event{Decision: audit.Allow, Action: audit.ActionUpload, Subject: id.Subject, Remote: remote, ConnectionID: connID})
	if err := u.send(ctx, Reply{Status: StatusAuthenticated, ConnectionID: connID}); err != nil {
		return nil, false
	}
	if msg.FileName != "" {
		return &msg, true
	}
	return nil, true
}

func (u *uploadSession) run(ctx context.Context, first *ClientMessage) {
	idle := time.NewTimer(u.limits.IdleTimeout)
	defer idle.Stop()
	idleC := idle.C

	var (
		expiry   *time.Timer
		expiryC  <-chan time.Time
		armedFor time.Time
	)
	rearm := func() {
		if u.sess.ExpiresAt.Equal(armedFor) {
			return
		}
		if expiry != nil {
			expiry.Stop()
			expiry, expiryC = nil, nil
		}
		armedFor = u.sess.ExpiresAt
		if !armedFor.IsZero() {
			expiry = time.NewTimer(armedFor.Sub(u.srv.cfg.Clock()))
			expiryC = expiry.C
		}
	}
	defer func() {
		if expiry != nil {
			expiry.Stop()
		}
	}()
	rearm()

	if first != nil && u.handle(ctx, *first) {
		return
	}
	for {
		rearm()
		select {
		case <-ctx.Done():
			_ = u.conn.Close(websocket.StatusGoingAway, "server shutting down")
			return

		case f := <-u.frames:
			if f.err != nil {
				u.clientGone(f.err)
				return
			}
			if !u.ended {
				idle.Reset(u.limits.IdleTimeout)
			}
			msg, err := u.decode(f)
			if err != nil {
				if u.replyError(ctx, "", fault.Validation, CodeBadRequest, err.Error()) != nil {
					return
				}
				continue
			}
			if u.handle(ctx, msg) {
				return
			}
			if u.ended && idleC != nil {
				idle.Stop()
				idleC = nil
			}

		case o := <-u.outcomes:
			if u.deliver(ctx, o) {
				return
			}

		case <-idleC:
			u.fail(ctx, fault.Transient, CodeIdle, "idle timeout", websocket.StatusNormalClosure)
			return

		case <-expiryC:
			u.fail(ctx, fault.Auth, CodeUnauthorized, "token expired", websocket.StatusPolicyViolation)
			return
		}
	}
}

// handle processes one decoded frame and reports whether the session is
// over.
func (u *uploadSession) handle(ctx context.Context, msg ClientMessage) bool {
	if msg.Token != "" && msg.Token != u.sess.token && !u.reauthenticate(ctx, msg.Token) {
		return true
	}
	if !u.sess.ExpiresAt.IsZero() && !u.srv.cfg.Clock().Before(u.sess.ExpiresAt) {
		u.fail(ctx, fault.Auth, CodeUnauthorized, "token expired", websocket.StatusPolicyViolation)
		return true
	}
	switch {
	case msg.FileName == "":
		return false
	case msg.FileName == EndMarker:
		return u.end(ctx)
	case u.ended:
		return u.replyError(ctx, msg.FileName, fault.Validation, CodeBadRequest, "batch already ended") != nil
	default:
		return u.chunk(ctx, msg) != nil
	}
}

// reauthenticate accepts a refreshed token mid-session. The token must
// verify and name the session's subject; otherwise the session is closed.
func (u *uploadSession) reauthenticate(ctx context.Context, token string) bool {
	ev := audit.Event{Action: audit.ActionUpload, Subject: u.sess.Identity, Remote: u.sess.RemoteAddr, ConnectionID: u.sess.ConnectionID}
	id, err := u.srv.cfg.Auth.Verify(ctx, token)
	if err != nil {
		u.logger.Info("token refresh failed", "error", err)
		ev.Decision, ev.Reason = audit.Deny, "refresh: "+authMessage(err)
		audit.Record(ev)
		if fault.Is(err, fault.Transient) {
			u.fail(ctx, fault.Transient, CodeUnavailable, authMessage(err), websocket.StatusTryAgainLater)
		} else {
			u.fail(ctx, fault.Auth, CodeUnauthorized, authMessage(err), websocket.StatusPolicyViolation)
		}
		return false
	}
	if id.Subject != u.sess.Identity {
		ev.Decision, ev.Reason = audit.Deny, "refresh: subject changed"
		audit.Record(ev)
		u.fail(ctx, fault.Auth, CodeUnauthorized, "token does not match the session", websocket.StatusPolicyViolation)
		return false
	}
	u.sess.token = token
	u.sess.ExpiresAt = id.ExpiresAt
	ev.Decision, ev.Reason = audit.Allow, "token refreshed"
	audit.Record(ev)
	u.logger.Debug("session token refreshed", "expires_at", id.ExpiresAt)
	return true
}

func (u *uploadSession) chunk(ctx context.Context, msg ClientMessage) error {
	name := msg.FileName
	if reason, ok := u.rejected[name]; ok {
		if msg.EOF {
			delete(u.rejected, name)
		}
		return u.replyError(ctx, name, fault.Validation, CodeBadRequest, "file was rejected: "+reason)
	}

	f, open := u.files[name]
	if !open {
		if msg.FileData == "" {
			return u.replyError(ctx, name, fault.Validation, CodeBadRequest, "eof for a file with no data")
		}
		if len(u.files) >= u.limits.MaxOpenFiles {
			return u.rejectFile(ctx, name, msg.EOF, fault.Resource, CodeBadRequest,
				fmt.Sprintf("too many files in flight (max %d)", u.limits.MaxOpenFiles))
		}
		if !u.srv.uploads.Allow(u.sess.Identity) {
			metrics.RateLimited.WithLabelValues("upload").Inc()
			if u.srv.cfg.Instruments != nil {
				u.srv.cfg.Instruments.RateLimitRejects.Add(ctx, 1, metric.WithAttributes(otel.AttrLimiter.String("upload")))
			}
			return u.rejectFile(ctx, name, msg.EOF, fault.Resource, CodeRateLimited, "upload rate limit exceeded")
		}
		f = &upload{name: name}
		u.files[name] = f
	}

	if msg.FileData != "" {
		data, err := base64.StdEncoding.DecodeString(msg.FileData)
		if err != nil {
			// Only this chunk is dropped; the file stays open.
			if err := u.replyError(ctx, name, fault.Validation, CodeBadRequest,
				fmt.Sprintf("chunk %d is not valid base64", f.chunks+1)); err != nil {
				return err
			}
		} else {
			if int64(f.buf.Len()+len(data)) > u.limits.MaxFileBytes {
				delete(u.files, name)
				return u.rejectFile(ctx, name, msg.EOF, fault.Validation, CodeTooLarge,
					fmt.Sprintf("file exceeds %d bytes", u.limits.MaxFileBytes))
			}
			f.buf.Write(data)
			f.chunks++
			metrics.UploadBytes.Add(float64(len(data)))
			if u.srv.cfg.Instruments != nil {
				u.srv.cfg.Instruments.UploadBytes.Add(ctx, int64(len(data)))
			}
			if err := u.send(ctx, Reply{Status: StatusReceived, FileName: name, Chunk: f.chunks, Bytes: len(data)}); err != nil {
				return err
			}
		}
	}
	if !msg.EOF {
		return nil
	}
	delete(u.files, name)
	if f.buf.Len() == 0 {
		return u.replyError(ctx, name, fault.Validation, CodeBadRequest, "file has no valid data")
	}
	return u.enqueue(ctx, f)
}

// rejectFile refuses a file. Later chunks of it are refused too, until its
// eof arrives.
func (u *uploadSession) rejectFile(ctx context.Context, name string, eof bool, kind fault.Kind, code int, reason string) error {
	if !eof {
		u.rejected[name] = reason
	}
	return u.replyError(ctx, name, kind, code, reason)
}

func (u *uploadSession) enqueue(ctx context.Context, f *upload) error {
	data := f.buf.Bytes()
	sum := sha256.Sum256(data)
	pctx, span := otel.StartProducerSpan(ctx, u.srv.cfg.Telemetry.Tracer, "task.enqueue",
		otel.AttrQueue.String(u.limits.Queue),
		otel.AttrIdentity.String(u.sess.Identity),
	)
	t, err := u.srv.cfg.Queue.Push(pctx, queue.Spec{
		Queue:   u.limits.Queue,
		Kind:    u.limits.Kind,
		Payload: data,
		Meta: broker.Meta{
			Identity:    u.sess.Identity,
			FileName:    f.name,
			ContentHash: hex.EncodeToString(sum[:]),
			Size:        int64(len(data)),
			TraceParent: otel.TraceParent(pctx),
		},
	})
	if t != nil {
		span.SetAttributes(otel.AttrTaskID.String(t.ID))
	}
	span.End()
	switch {
	case errors.Is(err, broker.ErrDuplicate):
		u.logger.Info("duplicate upload", "file_name", f.name, "task_id", t.ID, "status", t.Status)
		if err := u.send(ctx, Reply{Status: StatusDuplicate, FileName: f.name, TaskID: t.ID}); err != nil {
			return err
		}
	case err != nil:
		u.logger.Error("enqueue upload failed", "file_name", f.name, "error", err)
		code := http.StatusInternalServerError
		if fault.Is(err, fault.Transient) {
			code = CodeUnavailable
		}
		return u.replyError(ctx, f.name, fault.KindOf(err), code, "could not enqueue file")
	default:
		u.logger.Info("upload enqueued", "file_name", f.name, "task_id", t.ID, "bytes", len(data))
		if err := u.send(ctx, Reply{Status: StatusAccepted, FileName: f.name, TaskID: t.ID}); err != nil {
			return err
		}
	}
	u.watch(ctx, t.ID, f.name)
	return nil
}

// watch follows a task until it is terminal and hands the result to run.
// A task already followed by this session is not followed twice.
func (u *uploadSession) watch(ctx context.Context, taskID, fileName string) {
	if u.followed[taskID] {
		return
	}
	u.followed[taskID] = true
	u.pending[taskID] = fileName

	events, err := u.srv.cfg.Tracker.Subscribe(ctx, taskID)
	go func() {
		o := outcome{taskID: taskID, fileName: fileName, err: err}
		if err == nil {
			found := false
			for ev := range events {
				if ev.To.Terminal() {
					o.event, found = ev, true
					break
				}
			}
			if !found {
				return
			}
		}
		select {
		case u.outcomes <- o:
		case <-ctx.Done():
		}
	}()
}

// deliver reports a terminal task and reports whether the session is over.
func (u *uploadSession) deliver(ctx context.Context, o outcome) bool {
	delete(u.pending, o.taskID)
	r := Reply{FileName: o.fileName, TaskID: o.taskID}
	if o.err != nil {
		u.logger.Warn("follow task failed", "task_id", o.taskID, "error", o.err)
		r.Status, r.Error, r.Kind, r.Code = StatusError, "could not follow task", string(fault.KindOf(o.err)), http.StatusInternalServerError
	} else {
		r.Status = string(o.event.To)
		if o.event.To == broker.StatusFailure {
			r.Error, r.Kind = u.failureCause(ctx, o)
		}
	}
	if err := u.send(ctx, r); err != nil {
		return true
	}
	if u.ended && len(u.pending) == 0 {
		return u.complete(ctx)
	}
	return false
}

func (u *uploadSession) failureCause(ctx context.Context, o outcome) (string, string) {
	if c := o.event.Error; c != nil {
		return c.Message, c.Kind
	}
	if t, err := u.srv.cfg.Tracker.Get(ctx, o.taskID); err == nil && t.Error != nil {
		return t.Error.Message, t.Error.Kind
	}
	return "task failed", string(fault.Unknown)
}

// end closes the batch. Files still open are discarded. The session closes
// once every task in the batch is terminal.
func (u *uploadSession) end(ctx context.Context) bool {
	u.ended = true
	names := make([]string, 0, len(u.files))
	for name := range u.files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if u.replyError(ctx, name, fault.Validation, CodeBadRequest, "upload incomplete at END; file discarded") != nil {
			return true
		}
	}
	clear(u.files)
	clear(u.rejected)
	u.logger.Info("batch ended", "tasks", len(u.followed), "pending", len(u.pending), "discarded", len(names))
	if len(u.pending) == 0 {
		return u.complete(ctx)
	}
	return false
}

func (u *uploadSession) complete(ctx context.Context) bool {
	if err := u.send(ctx, Reply{Status: StatusBatchComplete, Tasks: len(u.followed)}); err != nil {
		return true
	}
	u.logger.Info("batch complete", "tasks", len(u.followed))
	_ = u.conn.Close(websocket.StatusNormalClosure, "batch complete")
	return true
}

func (u *uploadSession) decode(f frame) (ClientMessage, error) {
	if f.typ != websocket.MessageText {
		return ClientMessage{}, errors.New("binary frames are not supported")
	}
	return decodeMessage(u.srv.schema, f.data)
}

func (u *uploadSession) send(ctx context.Context, r Reply) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, u.conn, r); err != nil {
		u.logger.Info("write to client failed", "status", r.Status, "error", err)
		return err
	}
	return nil
}

func (u *uploadSession) replyError(ctx context.Context, fileName string, kind fault.Kind, code int, msg string) error {
	metrics.SessionErrors.WithLabelValues(string(kind)).Inc()
	return u.send(ctx, Reply{Status: StatusError, FileName: fileName, Error: msg, Kind: string(kind), Code: code})
}

// fail sends a final error and closes the connection with status.
func (u *uploadSession) fail(ctx context.Context, kind fault.Kind, code int, msg string, status websocket.StatusCode) {
	_ = u.replyError(ctx, "", kind, code, msg)
	u.logger.Info("closing upload session", "reason", msg, "close_status", status.String())
	_ = u.conn.Close(status, msg)
}

func (u *uploadSession) clientGone(err error) {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		u.logger.Info("client closed session", "pending", len(u.pending), "open_files", len(u.files))
	default:
		u.logger.Warn("upload session read failed", "error", err, "pending", len(u.pending))
	}
}
