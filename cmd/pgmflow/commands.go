package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/loykin/pgmflow"
	"github.com/loykin/pgmflow/internal/auth"
	"github.com/loykin/pgmflow/pkg/client"
)

type command struct {
	global *GlobalFlags
}

func (c command) loadConfig(args []string) (*pgmflow.Config, error) {
	path := c.global.ConfigPath
	if len(args) > 0 {
		path = args[0]
	}
	if path == "" {
		return nil, fmt.Errorf("config file required: use --config=config.toml or pass it as an argument")
	}
	return pgmflow.LoadConfig(path)
}

func (c command) apiClient(f APIFlags) *client.Client {
	url := f.APIUrl
	if url == "" {
		url = "http://127.0.0.1:8080/api"
	}
	cl := client.New(client.Config{BaseURL: url, Timeout: f.APITimeout})
	if f.Token != "" {
		cl.SetToken(f.Token)
	}
	return cl
}

// Serve runs the daemon until SIGINT/SIGTERM.
func (c command) Serve(args []string) error {
	cfg, err := c.loadConfig(args)
	if err != nil {
		return err
	}
	log := pgmflow.NewLogger(cfg)
	p, err := pgmflow.New(cfg, log)
	if err != nil {
		return err
	}
	defer p.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Start(ctx); err != nil {
		return err
	}
	fmt.Println("pgmflow daemon running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	fmt.Println("shutting down...")
	return nil
}

// Run executes one pass of a single stage.
func (c command) Run(stageName string) error {
	cfg, err := c.loadConfig(nil)
	if err != nil {
		return err
	}
	log := pgmflow.NewLogger(cfg)
	p, err := pgmflow.New(cfg, log)
	if err != nil {
		return err
	}
	defer p.Stop()
	return p.RunStage(context.Background(), stageName)
}

func (c command) Records(f RecordsFlags) error {
	cl := c.apiClient(f.API)
	recs, err := cl.ListRecords(context.Background(), client.ListFilter{
		Status: f.Status,
		Task:   f.Task,
		Type:   f.Type,
		Limit:  f.Limit,
	})
	if err != nil {
		return err
	}
	printJSON(recs)
	return nil
}

func (c command) Record(f DraftFlags) error {
	cl := c.apiClient(f.API)
	detail, err := cl.GetRecord(context.Background(), f.DraftID)
	if err != nil {
		return err
	}
	printJSON(detail)
	return nil
}

func (c command) Approve(f DraftFlags) error {
	cl := c.apiClient(f.API)
	if err := cl.Approve(context.Background(), f.DraftID); err != nil {
		return err
	}
	fmt.Printf("apply flag set on %s\n", f.DraftID)
	return nil
}

func (c command) Revoke(f DraftFlags) error {
	cl := c.apiClient(f.API)
	if err := cl.Revoke(context.Background(), f.DraftID); err != nil {
		return err
	}
	fmt.Printf("apply flag cleared on %s\n", f.DraftID)
	return nil
}

func (c command) Alarms(f APIFlags) error {
	cl := c.apiClient(f)
	alarms, err := cl.OpenAlarms(context.Background())
	if err != nil {
		return err
	}
	printJSON(alarms)
	return nil
}

func (c command) Resolve(f ResolveFlags) error {
	cl := c.apiClient(f.API)
	if err := cl.ResolveAlarm(context.Background(), f.AlarmID, f.ResolvedBy); err != nil {
		return err
	}
	fmt.Printf("alarm %d resolved\n", f.AlarmID)
	return nil
}

func (c command) Login(f LoginFlags) error {
	cl := c.apiClient(f.API)
	token, err := cl.Login(context.Background(), f.Username, f.Password)
	if err != nil {
		return err
	}
	fmt.Println(token.Value)
	return nil
}

// authService opens the auth database named in the config for the local
// user management commands.
func (c command) authService() (*auth.Service, error) {
	cfg, err := c.loadConfig(nil)
	if err != nil {
		return nil, err
	}
	st, err := auth.NewSQLiteStore(cfg.Server.AuthDSN)
	if err != nil {
		return nil, err
	}
	if err := st.EnsureSchema(context.Background()); err != nil {
		_ = st.Close()
		return nil, err
	}
	return auth.NewService(st, auth.ServiceConfig{
		JWTSecret: cfg.Server.JWTSecret,
		TokenTTL:  cfg.Server.TokenTTL,
	})
}

func (c command) UserAdd(f UserFlags) error {
	role, err := auth.ParseRole(f.Role)
	if err != nil {
		return err
	}
	svc, err := c.authService()
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()
	user, err := svc.CreateUser(context.Background(), f.Username, f.Password, role)
	if err != nil {
		return err
	}
	fmt.Printf("created %s (%s)\n", user.Username, user.Role)
	return nil
}

func (c command) UserList() error {
	svc, err := c.authService()
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()
	users, err := svc.ListUsers(context.Background())
	if err != nil {
		return err
	}
	printJSON(users)
	return nil
}

func (c command) UserDelete(f UserFlags) error {
	svc, err := c.authService()
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()
	if err := svc.DeleteUser(context.Background(), f.Username); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", f.Username)
	return nil
}

func (c command) UserPassword(f UserFlags) error {
	svc, err := c.authService()
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()
	if err := svc.SetPassword(context.Background(), f.Username, f.Password); err != nil {
		return err
	}
	fmt.Printf("password updated for %s\n", f.Username)
	return nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
