package main

import (
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/chatrelay/pkg/accounts"
	"github.com/aeolun/chatrelay/pkg/client"
	"github.com/aeolun/chatrelay/pkg/credentials"
	"github.com/aeolun/chatrelay/pkg/protocol"
	"github.com/spf13/cobra"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

var loremWords = strings.Fields(loremIpsum)

// Stats tracks performance metrics
type Stats struct {
	broadcasts        atomic.Int64
	directMessages    atomic.Int64
	stored            atomic.Int64
	failed            atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64
	loginFailures     atomic.Int64
	notifications     atomic.Int64
	timeouts          atomic.Int64
	disconnections    atomic.Int64
}

func (s *Stats) recordSuccess(responseTimeUs int64) {
	s.totalResponseTime.Add(responseTimeUs)
}

// recordError classifies a command error
func (s *Stats) recordError(err error) {
	s.failed.Add(1)

	switch {
	case errors.Is(err, protocol.ErrTimeout):
		s.timeouts.Add(1)
	case errors.Is(err, protocol.ErrConnectionClosed), errors.Is(err, client.ErrSessionTimedOut),
		strings.Contains(err.Error(), "broken pipe"), strings.Contains(err.Error(), "connection reset"):
		s.disconnections.Add(1)
	}
}

func (s *Stats) snapshot() (sent, failed, connErrors int64, avgResponseUs float64) {
	sent = s.broadcasts.Load() + s.directMessages.Load()
	failed = s.failed.Load()
	connErrors = s.connectionErrors.Load()

	if sent > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(sent)
	}
	return
}

// BotClient is one logged on account sending random traffic
type BotClient struct {
	id    int
	cred  accounts.Credential
	peers []string
	conn  *client.Connection
	stats *Stats
}

func NewBotClient(id int, serverAddr string, cred accounts.Credential, peers []string, stats *Stats) (*BotClient, error) {
	conn, err := client.Dial(serverAddr, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}

	return &BotClient{
		id:    id,
		cred:  cred,
		peers: peers,
		conn:  conn,
		stats: stats,
	}, nil
}

func (bc *BotClient) Login() error {
	result, err := bc.conn.Login(bc.cred.Username, bc.cred.Password)
	if err != nil {
		return err
	}
	if !result.OK() {
		bc.stats.loginFailures.Add(1)
		return fmt.Errorf("login as %s: %s", bc.cred.Username, result.Status.Describe())
	}
	bc.stats.notifications.Add(int64(len(result.Backlog)))
	return nil
}

func randomText() string {
	wordCount := 5 + rand.Intn(16)
	words := make([]string, 0, wordCount)
	for i := 0; i < wordCount; i++ {
		words = append(words, loremWords[rand.Intn(len(loremWords))])
	}
	return strings.Join(words, " ")
}

// SendRandom sends a broadcast (10%) or a direct message to a random peer
func (bc *BotClient) SendRandom() error {
	text := randomText()
	start := time.Now()

	if rand.Float32() < 0.1 || len(bc.peers) == 0 {
		if _, err := bc.conn.Broadcast(text); err != nil {
			bc.stats.recordError(err)
			return err
		}
		bc.stats.broadcasts.Add(1)
	} else {
		to := bc.peers[rand.Intn(len(bc.peers))]
		status, err := bc.conn.Message(to, text)
		if err != nil {
			bc.stats.recordError(err)
			return err
		}
		switch status {
		case protocol.StatusTaskSuccess:
		case protocol.StatusMsgStored:
			bc.stats.stored.Add(1)
		default:
			bc.stats.failed.Add(1)
			return fmt.Errorf("message to %s: %s", to, status.Describe())
		}
		bc.stats.directMessages.Add(1)
	}

	bc.stats.recordSuccess(time.Since(start).Microseconds())
	bc.drainNotifications()
	return nil
}

// drainNotifications discards what was queued while waiting for replies
func (bc *BotClient) drainNotifications() {
	for bc.conn.Pending() > 0 {
		if _, err := bc.conn.ReadNotification(); err != nil {
			return
		}
		bc.stats.notifications.Add(1)
	}
}

func (bc *BotClient) Run(duration, minDelay, maxDelay, shutdownDelay time.Duration) {
	defer bc.conn.Close()

	endTime := time.Now().Add(duration)
	for time.Now().Before(endTime) {
		if err := bc.SendRandom(); err != nil && bc.stats.failed.Load()%100 == 1 {
			log.Printf("[Bot %d] %v", bc.id, err)
		}

		// Random delay between sends
		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		time.Sleep(delay)
	}

	// Stagger shutdown to avoid thundering herd on disconnect
	if shutdownDelay > 0 {
		time.Sleep(shutdownDelay)
	}

	if err := bc.conn.Logout(); err != nil {
		bc.stats.recordError(err)
	}
}

type options struct {
	serverAddr        string
	credentialsPath   string
	credentialsDriver string
	numClients        int
	duration          time.Duration
	minDelay          time.Duration
	maxDelay          time.Duration
}

func main() {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Drive a chat relay server with logged on bots",
		Long: `Logs on one bot per account in the credential store (up to --clients)
and has each send broadcasts and direct messages at random intervals.
The server must be loaded with the same credential store.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.serverAddr, "server", "localhost:6465", "Server address (host:port)")
	flags.StringVar(&opts.credentialsPath, "credentials", "credentials.txt", "Credential store the bots log on with")
	flags.StringVar(&opts.credentialsDriver, "credentials-driver", "file", "Credential store format: file or sqlite")
	flags.IntVar(&opts.numClients, "clients", 10, "Number of concurrent clients")
	flags.DurationVar(&opts.duration, "duration", 1*time.Minute, "Test duration")
	flags.DurationVar(&opts.minDelay, "min-delay", 100*time.Millisecond, "Minimum delay between sends")
	flags.DurationVar(&opts.maxDelay, "max-delay", 1*time.Second, "Maximum delay between sends")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func run(opts *options) error {
	creds, err := credentials.Load(opts.credentialsDriver, opts.credentialsPath)
	if err != nil {
		return err
	}
	if opts.numClients > len(creds) {
		log.Printf("Only %d accounts available, running %d clients", len(creds), len(creds))
		opts.numClients = len(creds)
	}
	if opts.numClients == 0 {
		return fmt.Errorf("no accounts in %s", opts.credentialsPath)
	}

	names := make([]string, 0, opts.numClients)
	for _, c := range creds[:opts.numClients] {
		names = append(names, c.Username)
	}

	// Calculate stagger delay: ramp up over 25% of test duration
	rampUpDuration := opts.duration / 4
	staggerDelay := rampUpDuration / time.Duration(opts.numClients)
	if staggerDelay < 1*time.Millisecond {
		staggerDelay = 1 * time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", opts.serverAddr)
	log.Printf("  Clients: %d", opts.numClients)
	log.Printf("  Duration: %v", opts.duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", opts.minDelay, opts.maxDelay)

	stats := &Stats{}
	var wg sync.WaitGroup

	// Start stats reporter
	stopStats := make(chan struct{})
	var stopOnce sync.Once
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				sent, failed, connErrors, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				log.Printf("Stats: %d sent (%.1f/s), %d failed, %d conn errors, %d notifications, avg %.2fms",
					sent, float64(sent)/elapsed, failed, connErrors, stats.notifications.Load(), avgUs/1000.0)
			case <-stopStats:
				return
			}
		}
	}()

	for i := 0; i < opts.numClients; i++ {
		wg.Add(1)

		// Calculate shutdown delay for this bot (reverse order for ramp-down)
		shutdownDelay := staggerDelay * time.Duration(opts.numClients-i-1)
		peers := otherNames(names, i)

		go func(id int, cred accounts.Credential, shutdownDelay time.Duration) {
			defer wg.Done()

			bot, err := NewBotClient(id, opts.serverAddr, cred, peers, stats)
			if err != nil {
				stats.connectionErrors.Add(1)
				return
			}
			if err := bot.Login(); err != nil {
				stats.connectionErrors.Add(1)
				log.Printf("[Bot %d] %v", id, err)
				bot.conn.Close()
				return
			}

			// Only log every 100th client during ramp-up
			if id%100 == 0 {
				log.Printf("[Bot %d] Logged on as %s", id, cred.Username)
			}

			bot.Run(opts.duration, opts.minDelay, opts.maxDelay, shutdownDelay)
		}(i, creds[i], shutdownDelay)

		time.Sleep(staggerDelay)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("Shutdown signal received, stopping reporter...")
		stopOnce.Do(func() { close(stopStats) })
	}()

	wg.Wait()
	stopOnce.Do(func() { close(stopStats) })

	sent, failed, connErrors, avgUs := stats.snapshot()
	log.Printf("=== Final Results ===")
	log.Printf("Duration: %v", opts.duration)
	log.Printf("Sent: %d (%.1f/s)", sent, float64(sent)/opts.duration.Seconds())
	log.Printf("  - Broadcasts: %d", stats.broadcasts.Load())
	log.Printf("  - Direct messages: %d (%d stored for offline users)", stats.directMessages.Load(), stats.stored.Load())
	log.Printf("Failed: %d", failed)
	log.Printf("  - Timeouts: %d", stats.timeouts.Load())
	log.Printf("  - Disconnections: %d", stats.disconnections.Load())
	log.Printf("Connection errors: %d (%d rejected logins)", connErrors, stats.loginFailures.Load())
	log.Printf("Notifications received: %d", stats.notifications.Load())
	log.Printf("Average response time: %.2fms", avgUs/1000.0)

	if sent > 0 {
		log.Printf("Success rate: %.1f%%", float64(sent)/float64(sent+failed)*100)
	}
	return nil
}

// otherNames returns names without the entry at skip
func otherNames(names []string, skip int) []string {
	peers := make([]string, 0, len(names)-1)
	for i, name := range names {
		if i != skip {
			peers = append(peers, name)
		}
	}
	return peers
}
