package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/botrix-io/botrix/internal/kick"
	"github.com/botrix-io/botrix/internal/models"
	"github.com/botrix-io/botrix/internal/pool"
)

// requestDelay is the floor between consecutive external calls so the
// target's implicit rate limits are respected.
const requestDelay = 2 * time.Second

// ChallengeSolver produces the headers that pass the target's anti-bot
// check.
type ChallengeSolver interface {
	Solve(ctx context.Context, method, fetchURL string) (map[string]string, error)
}

// RegistrationClient is the three-call signup surface of the target.
type RegistrationClient interface {
	SendCodeURL() string
	SendCode(ctx context.Context, challenge map[string]string, email string) error
	VerifyCode(ctx context.Context, challenge map[string]string, email, code string) (string, error)
	Register(ctx context.Context, challenge map[string]string, req kick.RegisterRequest) (json.RawMessage, error)
}

// CodeSource polls one mailbox for the emailed verification code.
type CodeSource interface {
	WaitForCode(ctx context.Context, timeout, pollInterval time.Duration) (string, error)
	Disconnect()
}

// MailboxFactory builds a CodeSource for a credential once a pipeline
// run has claimed it.
type MailboxFactory func(cred pool.Credential) CodeSource

// Params are the caller-supplied account attributes; empty fields are
// generated.
type Params struct {
	Username  string
	Password  string
	Birthdate string
	JobID     string
}

// Creator runs the account creation pipeline: claim a credential, solve
// the challenge, trigger and collect the email verification, register,
// persist. It never returns an error; every run yields a terminal
// AccountRecord whose Success flag and ErrorKind carry the outcome.
type Creator struct {
	pool       *pool.Pool
	solver     ChallengeSolver
	client     RegistrationClient
	newMailbox MailboxFactory
	store      Store

	verifyTimeout time.Duration
	pollInterval  time.Duration
	logger        *log.Logger
	sleep         func(ctx context.Context, d time.Duration) error
}

// CreatorOption customizes pipeline behavior.
type CreatorOption func(*Creator)

// WithVerifyTimeout bounds the mailbox wait for the verification code.
func WithVerifyTimeout(timeout, pollInterval time.Duration) CreatorOption {
	return func(c *Creator) {
		if timeout > 0 {
			c.verifyTimeout = timeout
		}
		if pollInterval > 0 {
			c.pollInterval = pollInterval
		}
	}
}

// WithLogger overrides the logger used for pipeline diagnostics.
func WithLogger(logger *log.Logger) CreatorOption {
	return func(c *Creator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func withSleep(sleep func(ctx context.Context, d time.Duration) error) CreatorOption {
	return func(c *Creator) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// NewCreator wires a pipeline from its injected collaborators. All of
// them are required.
func NewCreator(credPool *pool.Pool, solver ChallengeSolver, client RegistrationClient, newMailbox MailboxFactory, store Store, opts ...CreatorOption) (*Creator, error) {
	if credPool == nil || solver == nil || client == nil || newMailbox == nil || store == nil {
		return nil, errors.New("account creator requires pool, solver, client, mailbox factory and store")
	}
	c := &Creator{
		pool:          credPool,
		solver:        solver,
		client:        client,
		newMailbox:    newMailbox,
		store:         store,
		verifyTimeout: 90 * time.Second,
		pollInterval:  5 * time.Second,
		logger:        log.Default(),
		sleep:         sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CreateAccount drives one credential through the full pipeline. The
// returned record is also appended to the store; a persist failure is
// logged and does not flip the outcome.
func (c *Creator) CreateAccount(ctx context.Context, params Params) *models.AccountRecord {
	record := c.run(ctx, params)
	record.CreatedAt = time.Now().UTC()
	record.JobID = params.JobID

	if err := c.store.Append(ctx, record); err != nil {
		c.logger.Printf("failed to persist account record for %s: %v", record.Email, err)
	}
	return record
}

func (c *Creator) run(ctx context.Context, params Params) (record *models.AccountRecord) {
	username := params.Username
	if username == "" {
		username = GenerateUsername()
	}
	password := params.Password
	if password == "" {
		password = GeneratePassword()
	}
	birthdate := params.Birthdate
	if birthdate == "" {
		birthdate = GenerateBirthdate()
	}

	record = &models.AccountRecord{
		Username:  username,
		Password:  password,
		Birthdate: birthdate,
	}

	// Terminal pool transition is deferred until the outcome is known.
	// A failure at or after registration means the mailbox verification
	// was consumed, so the credential is spent rather than failed.
	registered := false
	defer func() {
		if r := recover(); r != nil {
			c.logger.Printf("pipeline panic for %s: %v", record.Email, r)
			c.compensate(record.Email, registered)
			record.Success = false
			record.ErrorKind = models.FailureUnexpected
			record.Message = fmt.Sprint(r)
		}
	}()

	c.logger.Printf("starting account creation for username %s", username)

	cred, err := c.pool.Next()
	if err != nil {
		record.ErrorKind = models.FailurePoolEmpty
		record.Message = err.Error()
		return record
	}
	record.Email = cred.Email
	c.logger.Printf("using credential %s", cred.Email)

	challenge, err := c.solver.Solve(ctx, "POST", c.client.SendCodeURL())
	if err != nil {
		c.fail(record, models.FailureChallenge, fmt.Errorf("solve challenge: %w", err))
		return record
	}
	if err := c.sleep(ctx, requestDelay); err != nil {
		c.fail(record, models.FailureUnexpected, err)
		return record
	}

	if err := c.client.SendCode(ctx, challenge, cred.Email); err != nil {
		c.fail(record, models.FailureVerification, fmt.Errorf("request verification code: %w", err))
		return record
	}
	if err := c.sleep(ctx, requestDelay); err != nil {
		c.fail(record, models.FailureUnexpected, err)
		return record
	}

	mailbox := c.newMailbox(cred)
	code, err := mailbox.WaitForCode(ctx, c.verifyTimeout, c.pollInterval)
	mailbox.Disconnect()
	if err != nil {
		c.fail(record, models.FailureVerification, fmt.Errorf("await verification code: %w", err))
		return record
	}
	record.VerificationCode = code
	if err := c.sleep(ctx, requestDelay); err != nil {
		c.fail(record, models.FailureUnexpected, err)
		return record
	}

	token, err := c.client.VerifyCode(ctx, challenge, cred.Email, code)
	if err != nil {
		c.fail(record, models.FailureVerification, err)
		return record
	}
	if err := c.sleep(ctx, requestDelay); err != nil {
		c.fail(record, models.FailureUnexpected, err)
		return record
	}

	registered = true
	payload, err := c.client.Register(ctx, challenge, kick.RegisterRequest{
		Email:             cred.Email,
		Username:          username,
		Password:          password,
		Birthdate:         birthdate,
		VerificationToken: token,
	})
	if err != nil {
		// The verification was consumed even though signup failed.
		c.pool.MarkUsed(cred.Email)
		record.ErrorKind = models.FailureRegistration
		record.Message = err.Error()
		c.logger.Printf("registration failed for %s: %v", cred.Email, err)
		return record
	}

	c.pool.MarkUsed(cred.Email)
	record.AccountData = string(payload)
	record.Success = true
	c.logger.Printf("account created: %s (%s)", username, cred.Email)
	return record
}

func (c *Creator) fail(record *models.AccountRecord, kind models.FailureKind, err error) {
	if record.Email != "" {
		c.pool.MarkFailed(record.Email)
	}
	record.ErrorKind = kind
	record.Message = err.Error()
	c.logger.Printf("account creation failed (%s) for %s: %v", kind, record.Email, err)
}

func (c *Creator) compensate(email string, registered bool) {
	if email == "" {
		return
	}
	if registered {
		c.pool.MarkUsed(email)
	} else {
		c.pool.MarkFailed(email)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
