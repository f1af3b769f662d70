package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/lagren/vpsguard/expiry"
	"github.com/lagren/vpsguard/persistence"
	"github.com/lagren/vpsguard/telegram"
)

func main() {
	err := godotenv.Load()
	if err != nil {
		log.Fatal("Error loading .env file")
	}

	dbPath := os.Getenv("MONITOR_DB")
	if dbPath == "" {
		dbPath = "monitor.db"
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{DisableForeignKeyConstraintWhenMigrating: true})
	if err != nil {
		panic("failed to connect database")
	}

	store := persistence.NewStore(db)
	if err := store.Migrate(); err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backfillExpiry(ctx, store)

	messenger := telegram.NewClient(os.Getenv("TELEGRAM_BOT_TOKEN"), os.Getenv("TELEGRAM_CHAT_ID"), store)

	mon := newMonitor(store, messenger)
	go mon.run(ctx)

	r := mux.NewRouter()
	r.HandleFunc("/add", addHandler(store)).Methods(http.MethodPost)
	r.HandleFunc("/select", selectHandler(store)).Methods(http.MethodGet)
	r.HandleFunc("/sel_id", selectByIDHandler(store)).Methods(http.MethodPost)
	r.HandleFunc("/modify", modifyHandler(store)).Methods(http.MethodPost)
	r.HandleFunc("/del", deleteHandler(store)).Methods(http.MethodPost)
	r.HandleFunc("/checkPwd", checkPwdHandler(os.Getenv("DASHBOARD_PASSWORD"))).Methods(http.MethodPost)
	r.HandleFunc("/notifications/pending", pendingNotificationsHandler(store)).Methods(http.MethodGet)
	r.HandleFunc("/notifications/delivered", markDeliveredHandler(store)).Methods(http.MethodPost)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handlers.LoggingHandler(os.Stdout, r),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logrus.Errorf("Could not shut down cleanly: %s", err)
		}
	}()

	logrus.Infof("Listening on :%s", port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		panic(err)
	}
}

// backfillExpiry recomputes the cached expiry for every machine once at
// startup, catching rows written before the cache column existed.
func backfillExpiry(ctx context.Context, store *persistence.Store) {
	list, err := store.List(ctx)
	if err != nil {
		logrus.Errorf("Could not list machines for expiry backfill: %s", err)
		return
	}
	for i := range list {
		vps := &list[i]
		instant, ok := expiry.Calculate(vps.CreationDate, vps.ValidUntil)
		if !ok {
			if vps.ExpiryUTC != "" {
				if err := store.ClearExpiry(ctx, vps.ID); err != nil {
					logrus.Errorf("Failed to clear stale expiry for VPS %d: %s", vps.ID, err)
				}
			}
			continue
		}
		iso := instant.Format(time.RFC3339)
		if iso == vps.ExpiryUTC {
			continue
		}
		if err := store.UpdateExpiry(ctx, vps.ID, iso); err != nil {
			logrus.Errorf("Failed to backfill expiry for VPS %d: %s", vps.ID, err)
		}
	}
}
