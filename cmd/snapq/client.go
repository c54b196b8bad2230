package main

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/basket/snapq/internal/auth"
	"github.com/basket/snapq/internal/broker"
	"github.com/basket/snapq/internal/config"
	"github.com/basket/snapq/internal/queue"
)

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "print the health of a running server, and the worker pool when a token is given",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "token", Usage: "bearer token for the status API", EnvVars: []string{"SNAPQ_TOKEN"}},
		},
		Action: runStatus,
	}
}

// baseURL turns bind_addr into an http URL.
func baseURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr
}

func runStatus(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	base := baseURL(cfg.BindAddr)
	out := c.App.Writer

	healthy, err := fetch(c.Context, base+"/healthz", "", out)
	if err != nil {
		return err
	}
	if tok := c.String("token"); tok != "" {
		if _, err := fetch(c.Context, base+"/api/pool", tok, out); err != nil {
			return err
		}
	}
	if !healthy {
		return cli.Exit("server unhealthy", 1)
	}
	return nil
}

// fetch copies the response body to out and reports whether the status
// was 200.
func fetch(ctx context.Context, url, token string, out io.Writer) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("status: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	_, _ = out.Write(body)
	if len(body) == 0 || body[len(body)-1] != '\n' {
		_, _ = io.WriteString(out, "\n")
	}
	return resp.StatusCode == http.StatusOK, nil
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "obtain a bearer token from the configured auth provider",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "username", Aliases: []string{"u"}, Required: true},
			&cli.StringFlag{Name: "password", Usage: "password (default: read from stdin)", EnvVars: []string{"SNAPQ_PASSWORD"}},
		},
		Action: runToken,
	}
}

func runToken(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	password := c.String("password")
	if password == "" {
		if password, err = readSecret(c.App.Reader); err != nil {
			return err
		}
	}
	provider, err := auth.New(cfg.Auth, &http.Client{Timeout: 10 * time.Second})
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}
	tok, err := provider.Validate(c.Context, c.String("username"), password)
	if err != nil {
		return cli.Exit(fmt.Sprintf("token: %v", err), 1)
	}
	return writeJSON(c.App.Writer, tok)
}

func hashPasswordCommand() *cli.Command {
	return &cli.Command{
		Name:      "hash-password",
		Usage:     "print a bcrypt hash for auth.users[].password_hash",
		ArgsUsage: "[password]",
		Action: func(c *cli.Context) error {
			password := c.Args().First()
			if password == "" {
				var err error
				if password, err = readSecret(c.App.Reader); err != nil {
					return err
				}
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.App.Writer, hash)
			return err
		},
	}
}

func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", cli.Exit("password is required", 2)
	}
	return line, nil
}

func enqueueCommand() *cli.Command {
	return &cli.Command{
		Name:  "enqueue",
		Usage: "push a task directly onto a queue",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "queue", Value: config.QueueDefault},
			&cli.StringFlag{Name: "kind", Required: true},
			&cli.StringFlag{Name: "payload", Usage: "inline payload"},
			&cli.PathFlag{Name: "file", Usage: "read the payload from a file; images get a content hash for dedup"},
			&cli.DurationFlag{Name: "expires", Usage: "fail the task if no worker starts it within this duration"},
		},
		Action: runEnqueue,
	}
}

func runEnqueue(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	spec := queue.Spec{
		Queue:   c.String("queue"),
		Kind:    c.String("kind"),
		Payload: []byte(c.String("payload")),
		Expires: c.Duration("expires"),
	}
	if path := c.Path("file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read payload: %w", err)
		}
		spec.Payload = data
		spec.Meta = broker.Meta{FileName: path, ContentHash: contentHash(data), Size: int64(len(data))}
	}

	st, err := openStack(c.Context, cfg, true)
	if err != nil {
		return err
	}
	defer st.Close()

	task, err := st.queue.Push(c.Context, spec)
	switch {
	case errors.Is(err, broker.ErrDuplicate):
		return writeJSON(c.App.Writer, map[string]any{"duplicate": true, "task_id": task.ID, "status": task.Status})
	case err != nil:
		return err
	}
	return writeJSON(c.App.Writer, map[string]any{"task_id": task.ID, "queue": task.Queue, "status": task.Status})
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
