package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/auth/qrlogin"
	"github.com/gotd/td/tg"
	"github.com/mdp/qrterminal/v3"

	"github.com/grabfeed/grabfeed/internal/config"
	"github.com/grabfeed/grabfeed/internal/database"
	"github.com/grabfeed/grabfeed/internal/logger"
	"github.com/grabfeed/grabfeed/internal/models"
	"github.com/grabfeed/grabfeed/internal/repository"
	tgsession "github.com/grabfeed/grabfeed/internal/telegram"
)

func main() {
	fmt.Println("=== telegram auth tool ===")
	fmt.Println("this tool signs an account in and stores its session")
	fmt.Println()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("error: load config: %v\n", err)
		os.Exit(1)
	}
	// console-only logging cannot fail to initialize
	_ = logger.Init("warn", "")

	ctx := context.Background()
	reader := bufio.NewReader(os.Stdin)

	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		fmt.Printf("error: connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	sessions, err := tgsession.NewSessionStore(cfg.SessionsDir, db.GORM)
	if err != nil {
		fmt.Printf("error: session store: %v\n", err)
		os.Exit(1)
	}
	if err := sessions.Migrate(); err != nil {
		fmt.Printf("error: migrate session store: %v\n", err)
		os.Exit(1)
	}
	accountsRepo := repository.NewAccountsRepository(db.Pool)

	apiID, apiHash := getAPICredentials(reader)

	fmt.Print("enter your phone number (with country code, e.g. +1234567890): ")
	phone := readLine(reader)

	fmt.Println()
	fmt.Println("choose authentication method:")
	fmt.Println("  1. code sent to telegram (sms/app)")
	fmt.Println("  2. qr code scanned from another logged-in device")
	fmt.Print("\nenter choice [1]: ")
	choice := readLine(reader)

	sessionPath := sessions.CanonicalPath(phone)

	var authErr error
	if choice == "2" {
		authErr = authWithQR(ctx, apiID, apiHash, sessionPath)
	} else {
		authErr = authWithCode(ctx, apiID, apiHash, phone, sessionPath, reader)
	}
	if authErr != nil {
		fmt.Printf("error: %v\n", authErr)
		os.Exit(1)
	}

	if err := persistAccount(ctx, accountsRepo, sessions, phone, apiID, apiHash, sessionPath); err != nil {
		fmt.Printf("error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\n✓ authentication successful!")
	fmt.Printf("session stored at: %s\n", sessionPath)
	fmt.Println("the ingestion worker will pick the account up on its next cycle")
}

func readLine(reader *bufio.Reader) string {
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line)
}

// getAPICredentials reads API ID and Hash from env or prompts user
func getAPICredentials(reader *bufio.Reader) (int, string) {
	apiIDStr := os.Getenv("TG_API_ID")
	apiHash := os.Getenv("TG_API_HASH")

	if apiIDStr == "" {
		fmt.Print("enter your api_id (from https://my.telegram.org): ")
		apiIDStr = readLine(reader)
	}
	if apiHash == "" {
		fmt.Print("enter your api_hash: ")
		apiHash = readLine(reader)
	}

	apiID, err := strconv.Atoi(apiIDStr)
	if err != nil {
		fmt.Printf("error: invalid api_id: %v\n", err)
		os.Exit(1)
	}

	return apiID, apiHash
}

// authWithCode signs in with a login code and optional 2fa password.
func authWithCode(ctx context.Context, apiID int, apiHash, phone, sessionPath string, reader *bufio.Reader) error {
	client := telegram.NewClient(apiID, apiHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: sessionPath},
	})

	codePrompt := func(ctx context.Context, sentCode *tg.AuthSentCode) (string, error) {
		fmt.Print("enter the code you received: ")
		return readLine(reader), nil
	}

	return client.Run(ctx, func(ctx context.Context) error {
		flow := auth.NewFlow(
			auth.CodeOnly(phone, auth.CodeAuthenticatorFunc(codePrompt)),
			auth.SendCodeOptions{},
		)
		err := client.Auth().IfNecessary(ctx, flow)
		if err != nil && errors.Is(err, auth.ErrPasswordAuthNeeded) {
			fmt.Print("enter your 2fa password: ")
			password := readLine(reader)
			_, err = client.Auth().Password(ctx, password)
		}
		if err != nil {
			return fmt.Errorf("sign in: %w", err)
		}

		self, err := client.Self(ctx)
		if err != nil {
			return fmt.Errorf("fetch self: %w", err)
		}
		fmt.Printf("logged in as: @%s\n", self.Username)
		return nil
	})
}

// authWithQR signs in by displaying a login qr code in the terminal.
func authWithQR(ctx context.Context, apiID int, apiHash, sessionPath string) error {
	dispatcher := tg.NewUpdateDispatcher()
	client := telegram.NewClient(apiID, apiHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: sessionPath},
		UpdateHandler:  dispatcher,
	})

	return client.Run(ctx, func(ctx context.Context) error {
		fmt.Println("scan this qr code with telegram on a logged-in device")
		fmt.Println("(settings -> devices -> link desktop device)")
		fmt.Println()

		_, err := client.QR().Auth(ctx, qrlogin.OnLoginToken(dispatcher), func(ctx context.Context, token qrlogin.Token) error {
			qrterminal.GenerateHalfBlock(token.URL(), qrterminal.L, os.Stdout)
			return nil
		})
		if err != nil {
			return fmt.Errorf("qr sign in: %w", err)
		}

		self, err := client.Self(ctx)
		if err != nil {
			return fmt.Errorf("fetch self: %w", err)
		}
		fmt.Printf("logged in as: @%s\n", self.Username)
		return nil
	})
}

// persistAccount upserts the account row and stores the session durably.
func persistAccount(ctx context.Context, repo *repository.AccountsRepository, sessions *tgsession.SessionStore, phone string, apiID int, apiHash, sessionPath string) error {
	account, err := repo.GetByPhone(ctx, phone)
	if err != nil {
		return fmt.Errorf("look up account: %w", err)
	}
	if account == nil {
		account = &models.Account{
			Phone:    phone,
			APIID:    apiID,
			APIHash:  apiHash,
			IsActive: true,
		}
		if err := repo.Create(ctx, account); err != nil {
			return fmt.Errorf("create account: %w", err)
		}
		fmt.Printf("created account record for %s\n", phone)
	}

	data, err := os.ReadFile(sessionPath)
	if err != nil {
		return fmt.Errorf("read session file: %w", err)
	}
	if err := sessions.SaveBlob(account.ID, data); err != nil {
		return fmt.Errorf("store session blob: %w", err)
	}

	if err := repo.MarkAuthorized(ctx, account.ID, sessionPath); err != nil {
		return fmt.Errorf("mark authorized: %w", err)
	}
	return nil
}
