package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/proceruss/enigmachat/internal/api"
	"github.com/proceruss/enigmachat/internal/auth"
	"github.com/proceruss/enigmachat/internal/chat"
	"github.com/proceruss/enigmachat/internal/config"
	"github.com/proceruss/enigmachat/internal/history"
	"github.com/proceruss/enigmachat/internal/realtime"
	"github.com/proceruss/enigmachat/internal/session"
)

var rootCmd = &cobra.Command{
	Use:   "enigmachat",
	Short: "EnigmaChat terminal client",
	RunE:  runClient,
}

var (
	flagAPIURL    string
	flagWSURL     string
	flagPort      int
	flagTokenPath string
	flagDataPath  string
	flagVerbose   bool
)

func init() {
	cfg := config.Load()
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagAPIURL, "api-url", cfg.APIBaseURL, "REST API base URL (env ENIGMA_API_URL)")
	flags.StringVar(&flagWSURL, "ws-url", cfg.SocketURL, "realtime websocket URL (env ENIGMA_WS_URL)")
	flags.IntVar(&flagPort, "port", -1, "optional local HTTP status port (negative to disable)")
	flags.StringVar(&flagTokenPath, "token-path", cfg.TokenPath, "session file path (env ENIGMA_TOKEN_PATH)")
	flags.StringVar(&flagDataPath, "data-path", cfg.HistoryPath, "optional directory to cache chat history via PebbleDB")
	flags.BoolVar(&flagVerbose, "verbose", false, "debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute enigmachat command")
	}
}

func runClient(cmd *cobra.Command, args []string) error {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if flagVerbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	// Cancellation context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	cfg.APIBaseURL = flagAPIURL
	cfg.SocketURL = flagWSURL

	sess := session.Open(flagTokenPath)
	client := api.New(cfg.APIBaseURL, sess, cfg.RequestTimeout)
	authSvc := auth.New(client, sess)

	in := bufio.NewScanner(os.Stdin)
	if !sess.Authenticated() {
		if err := interactiveLogin(ctx, authSvc, in); err != nil {
			return err
		}
	}
	user, _ := sess.User()
	log.Info().Str("user", user.Username).Msg("[client] logged in")

	// Optional: open persistent history cache
	var store *history.Store
	if flagDataPath != "" {
		s, err := history.Open(flagDataPath)
		if err != nil {
			log.Warn().Err(err).Msg("[client] open history cache failed; running without it")
		} else {
			store = s
		}
	}

	rt := realtime.New(cfg.SocketURL, sess.Token())
	if err := rt.Dial(ctx); err != nil {
		log.Warn().Err(err).Msg("[client] realtime unavailable; messages will not sync live")
	}

	dir := chat.NewDirectory(client, sess)
	var cache chat.HistoryCache
	if store != nil {
		cache = store
	}
	timeline := chat.NewTimeline(client, rt, sess, dir, cfg.MasterKey, cache)
	typing := chat.NewTypingTracker(rt, 0, 0)
	typing.Bind()
	stateSync := chat.NewStateSync(client, rt, dir)
	stateSync.Bind()

	if _, err := dir.Load(ctx); err != nil {
		return fmt.Errorf("load chats: %w", err)
	}

	// Optional local status server on --port
	var httpSrv *http.Server
	if flagPort >= 0 {
		httpSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", flagPort),
			Handler:           newStatusHandler(sess, rt, dir, timeline),
			ReadHeaderTimeout: 5 * time.Second,
		}
		log.Info().Msgf("[client] status page at http://127.0.0.1:%d", flagPort)
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn().Err(err).Msg("[client] status server stopped")
			}
		}()
	}

	go func() {
		<-ctx.Done()
		timeline.Clear()
		_ = rt.Close()
		if httpSrv != nil {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpSrv.Shutdown(sctx)
		}
		if store != nil {
			if err := store.Close(); err != nil {
				log.Warn().Err(err).Msg("[client] history cache close error")
			}
		}
	}()

	repl(ctx, in, replDeps{
		auth:     authSvc,
		dir:      dir,
		timeline: timeline,
		typing:   typing,
		state:    stateSync,
	})

	stop()
	time.Sleep(100 * time.Millisecond) // let the shutdown watcher run
	log.Info().Msg("[client] shutdown complete")
	return nil
}

func interactiveLogin(ctx context.Context, svc *auth.Service, in *bufio.Scanner) error {
	email := prompt(in, "email: ")
	password := prompt(in, "password: ")
	res, err := svc.Login(ctx, email, password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if res.Is2FAEnabled {
		pin := prompt(in, "2fa pin: ")
		if _, err := svc.Verify2FA(ctx, pin); err != nil {
			return fmt.Errorf("2fa: %w", err)
		}
	}
	return nil
}

func prompt(in *bufio.Scanner, label string) string {
	fmt.Print(label)
	if !in.Scan() {
		return ""
	}
	return strings.TrimSpace(in.Text())
}

type replDeps struct {
	auth     *auth.Service
	dir      *chat.Directory
	timeline *chat.Timeline
	typing   *chat.TypingTracker
	state    *chat.StateSync
}

func repl(ctx context.Context, in *bufio.Scanner, d replDeps) {
	printChats(d.dir.Chats())
	fmt.Println(`commands: /chats /open <n> /group <name> <user,user> /toggle /find <name> /close /quit  (anything else sends)`)

	for {
		fmt.Print("> ")
		if !in.Scan() || ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(in.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			sendLine(ctx, d, line)
			continue
		}

		fields := strings.Fields(line)
		switch fields[0] {
		case "/quit":
			return
		case "/chats":
			if _, err := d.dir.Load(ctx); err != nil {
				fmt.Println("error:", err)
				continue
			}
			printChats(d.dir.Chats())
		case "/open":
			if len(fields) < 2 {
				fmt.Println("usage: /open <number|id>")
				continue
			}
			openChat(ctx, d, fields[1])
		case "/close":
			d.timeline.Clear()
			d.dir.Deactivate()
		case "/toggle":
			active, ok := d.dir.Active()
			if !ok {
				fmt.Println("no active chat")
				continue
			}
			open, err := d.state.Toggle(ctx, active.ID)
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Printf("chat is now %s\n", openLabel(open))
		case "/group":
			if len(fields) < 3 {
				fmt.Println("usage: /group <name> <user,user,...>")
				continue
			}
			spec := chat.GroupSpec{
				Name:         fields[1],
				Participants: strings.Split(fields[2], ","),
				IsOpen:       true,
				CanInvite:    true,
			}
			c, err := d.dir.CreateGroup(ctx, spec)
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Printf("created group %s (%s)\n", c.Name, c.ID)
		case "/find":
			if len(fields) < 2 {
				fmt.Println("usage: /find <username>")
				continue
			}
			users, err := d.auth.FindSomeUsers(ctx, fields[1])
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			for _, u := range users {
				fmt.Printf("  %s (%s)\n", u.Username, u.ID)
			}
		default:
			fmt.Println("unknown command:", fields[0])
		}
	}
}

func sendLine(ctx context.Context, d replDeps, line string) {
	active, ok := d.dir.Active()
	if !ok {
		fmt.Println("open a chat first: /open <n>")
		return
	}
	d.typing.OnLocalInput(active.ID)
	msg, err := d.timeline.Send(ctx, line)
	d.typing.Flush(active.ID)
	if err != nil {
		fmt.Println("send failed:", err)
		if msg.Status == chat.StatusFailed {
			fmt.Printf("message kept as failed; token %s\n", msg.Token)
		}
		return
	}
	fmt.Printf("[%s] you: %s\n", msg.SentAt.Format("15:04"), d.timeline.Decrypt(msg))
}

func openChat(ctx context.Context, d replDeps, arg string) {
	chats := d.dir.Chats()
	chatID := arg
	if n, err := strconv.Atoi(arg); err == nil && n >= 1 && n <= len(chats) {
		chatID = chats[n-1].ID
	}

	// Leave-before-join: the previous chat's channel must be left
	// before the next one is activated.
	d.timeline.Clear()

	c, err := d.dir.Activate(ctx, chatID)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	msgs, err := d.timeline.LoadHistory(ctx, chatID)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Printf("-- %s (%s, %s) --\n", c.Name, c.Kind, openLabel(c.IsOpen))
	for _, m := range msgs {
		who := m.Sender
		if m.IsOwn {
			who = "you"
		}
		fmt.Printf("[%s] %s: %s\n", m.SentAt.Format("15:04"), who, d.timeline.Decrypt(m))
	}
}

func printChats(chats []chat.Chat) {
	if len(chats) == 0 {
		fmt.Println("no chats")
		return
	}
	for i, c := range chats {
		fmt.Printf("%2d. %-24s %-10s %s\n", i+1, c.Name, c.Kind, openLabel(c.IsOpen))
	}
}

func openLabel(open bool) string {
	if open {
		return "open"
	}
	return "closed"
}
