package cli

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/seanpm2001/smoke-aws-credentials/internal/audit"
	"github.com/seanpm2001/smoke-aws-credentials/internal/log"
	"github.com/seanpm2001/smoke-aws-credentials/internal/metrics"
	"github.com/seanpm2001/smoke-aws-credentials/pkg/credentials"
)

// shutdownTimeout bounds the HTTP drain and the wait for the refresh loop
// to quiesce, each.
const shutdownTimeout = 10 * time.Second

var (
	serveListen    string
	serveAuthToken string
	serveAuditDB   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve rotating credentials on a local container-style endpoint",
	Long: `Keep the selected profile's credentials fresh in the background and
serve them over HTTP in the ECS container credential format.

Point any AWS SDK at the endpoint:

  export AWS_CONTAINER_CREDENTIALS_FULL_URI=http://127.0.0.1:9911/
  export AWS_CONTAINER_AUTHORIZATION_TOKEN=<token>   # with --auth-token

The process serves /healthz for liveness checks and Prometheus metrics on
/metrics. SIGINT or SIGTERM drains the listener, stops rotation, and waits
for the refresh loop to exit.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", "127.0.0.1:9911", "address to serve credentials on")
	serveCmd.Flags().StringVar(&serveAuthToken, "auth-token", "", "require this Authorization header value on credential requests")
	serveCmd.Flags().StringVar(&serveAuditDB, "audit-db", "", "append rotation events to this hash-chained journal")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Bind before the first credential fetch so a port conflict fails fast.
	ln, err := net.Listen("tcp", serveListen)
	if err != nil {
		return err
	}

	retriever, source, err := buildRetriever(ctx, cfg, profile)
	if err != nil {
		ln.Close()
		return err
	}

	metrics.Init()
	retriever = metrics.Instrument(source, retriever)

	var journal *audit.Journal
	if serveAuditDB != "" {
		journal, err = audit.Open(serveAuditDB)
		if err != nil {
			retriever.Close()
			ln.Close()
			return fmt.Errorf("opening audit journal: %w", err)
		}
		defer journal.Close()
		// The wrapped retriever journals every fetch, the synchronous
		// initial one included.
		retriever = journal.WrapRetriever(source, retriever)
	}

	provider, err := credentials.NewRotatingProvider(ctx, retriever,
		credentials.WithLogger(log.Logger()))
	if err != nil {
		retriever.Close()
		ln.Close()
		return err
	}
	provider.Start()
	journalLifecycle(journal, audit.EntryProviderStart, startData(source, provider.Credentials()))

	mux := http.NewServeMux()
	mux.HandleFunc("/", credentialHandler(provider, serveAuthToken))
	mux.HandleFunc("/healthz", healthHandler(provider))
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("credential endpoint listening", "addr", ln.Addr().String(), "source", source)
		if serveErr := srv.Serve(ln); !errors.Is(serveErr, http.ErrServerClosed) {
			return serveErr
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(drainCtx)
	})

	serveErr := g.Wait()

	// Stop rotation only after the listener has drained, so in-flight
	// requests still read a snapshot.
	shutdownErr := provider.Shutdown()
	waitCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if waitErr := provider.WaitUntilStopped(waitCtx); waitErr != nil {
		log.Warn("refresh loop did not stop in time", "error", waitErr)
	}
	journalLifecycle(journal, audit.EntryProviderStop, stopData(source, shutdownErr))
	log.Info("credential endpoint stopped", "source", source)

	return errors.Join(serveErr, shutdownErr)
}

// containerDocument is the response body of the credential endpoint. Field
// names follow the ECS task-role endpoint so stock SDK resolvers parse it.
type containerDocument struct {
	AccessKeyID     string `json:"AccessKeyId"`
	SecretAccessKey string `json:"SecretAccessKey"`
	Token           string `json:"Token,omitempty"`
	Expiration      string `json:"Expiration,omitempty"`
}

// credentialHandler serves the current snapshot. With a non-empty authToken
// the Authorization header must match it; the comparison is constant-time.
func credentialHandler(provider credentials.Provider, authToken string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if authToken != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), []byte(authToken)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		creds := provider.Credentials()
		doc := containerDocument{
			AccessKeyID:     creds.AccessKeyID,
			SecretAccessKey: creds.SecretAccessKey,
			Token:           creds.SessionToken,
		}
		if creds.CanExpire() {
			doc.Expiration = creds.Expiration.UTC().Format(time.RFC3339)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	}
}

// healthDocument reports rotation state for liveness probes.
type healthDocument struct {
	Status     string `json:"status"`
	Expiration string `json:"expiration,omitempty"`
	Expired    bool   `json:"expired"`
}

// healthHandler returns 200 while the provider is running and the snapshot
// has not expired, 503 otherwise. A 503 with status "running" means
// rotation is failing and the retry schedule has fallen behind the
// credential lifetime.
func healthHandler(provider *credentials.RotatingProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		creds := provider.Credentials()
		status := provider.Status()
		doc := healthDocument{
			Status:  status.String(),
			Expired: creds.Expired(time.Now()),
		}
		if creds.CanExpire() {
			doc.Expiration = creds.Expiration.UTC().Format(time.RFC3339)
		}

		code := http.StatusOK
		if status != credentials.StatusRunning || doc.Expired {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(doc)
	}
}

// journalLifecycle appends a provider start/stop entry. Append failures are
// logged and swallowed: lifecycle bookkeeping must not take the endpoint
// down.
func journalLifecycle(journal *audit.Journal, entryType audit.EntryType, data any) {
	if journal == nil {
		return
	}
	if _, err := journal.Append(entryType, data); err != nil {
		log.Warn("journaling provider lifecycle failed", "entry", string(entryType), "error", err)
	}
}

func startData(source string, creds credentials.ExpiringCredentials) audit.ProviderStartData {
	data := audit.ProviderStartData{Source: source, AccessKeyID: creds.AccessKeyID}
	if creds.CanExpire() {
		data.Expiration = creds.Expiration.UTC().Format(time.RFC3339)
	}
	return data
}

func stopData(source string, err error) audit.ProviderStopData {
	data := audit.ProviderStopData{Source: source}
	if err != nil {
		data.Error = err.Error()
	}
	return data
}
