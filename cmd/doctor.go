package cmd

import (
	"database/sql"
	"fmt"
	"os"
	"runtime"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/nanobot-ai/nanobot/internal/config"
	"github.com/nanobot-ai/nanobot/internal/cron"
	"github.com/nanobot-ai/nanobot/internal/memory"
	"github.com/nanobot-ai/nanobot/internal/sessions"
	"github.com/nanobot-ai/nanobot/internal/skills"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("nanobot doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND — defaults + env will be used)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Providers:")
	checkKey("Anthropic", cfg.Providers.Anthropic.APIKey)
	checkKey("OpenAI", cfg.Providers.OpenAI.APIKey)

	fmt.Println()
	fmt.Println("  Channels:")
	fmt.Printf("    %-10s enabled=%v trusted=%v\n", "telegram:", cfg.Channels.Telegram.Enabled, cfg.Channels.Telegram.Trusted)
	fmt.Printf("    %-10s enabled=%v bridge=%s\n", "whatsapp:", cfg.Channels.WhatsApp.Enabled, cfg.Channels.WhatsApp.BridgeURL)
	fmt.Printf("    %-10s enabled=%v %s:%d (trusted)\n", "webui:", cfg.Channels.WebUI.Enabled, cfg.Channels.WebUI.Host, cfg.Channels.WebUI.Port)

	fmt.Println()
	fmt.Println("  Storage:")
	checkDir("sessions", cfg.SessionsDir())
	checkDir("workspace", cfg.WorkspaceDir())
	checkDir("skills", cfg.SkillsDir())

	if store, err := sessions.NewStore(cfg.SessionsDir(), cfg.Agent.SessionCacheSize); err == nil {
		if infos, err := store.List(); err == nil {
			fmt.Printf("    %-12s %d on disk\n", "sessions:", len(infos))
		}
	}

	if idx, err := memory.Open(cfg.MemoryDir(), cfg.MemoryDBPath()); err != nil {
		fmt.Printf("    %-12s OPEN FAILED (%s)\n", "memory.db:", err)
	} else {
		fmt.Printf("    %-12s OK\n", "memory.db:")
		idx.Close()
	}

	if reg, err := skills.NewRegistry(cfg.SkillsDir()); err == nil {
		fmt.Printf("    %-12s %d installed\n", "skills:", len(reg.List()))
	}

	if st, err := cron.NewStore(cfg.CronPath()); err != nil {
		fmt.Printf("    %-12s LOAD FAILED (%s)\n", "cron jobs:", err)
	} else {
		jobs := st.List()
		broken := 0
		for _, j := range jobs {
			if j.ScheduleError != "" {
				broken++
			}
		}
		fmt.Printf("    %-12s %d (%d with schedule errors)\n", "cron jobs:", len(jobs), broken)
	}

	if dsn := cfg.Database.PostgresDSN; dsn != "" {
		fmt.Println()
		fmt.Println("  Archive (Postgres):")
		db, err := sql.Open("pgx", dsn)
		if err == nil {
			err = db.Ping()
		}
		if err != nil {
			fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "status:", err)
		} else {
			fmt.Printf("    %-12s OK\n", "status:")
			db.Close()
		}
	}
}

func checkKey(name, key string) {
	if key == "" {
		fmt.Printf("    %-10s (not configured)\n", name+":")
		return
	}
	masked := key
	if len(masked) > 8 {
		masked = masked[:4] + "..." + masked[len(masked)-4:]
	}
	fmt.Printf("    %-10s %s\n", name+":", masked)
}

func checkDir(name, path string) {
	if fi, err := os.Stat(path); err != nil || !fi.IsDir() {
		fmt.Printf("    %-12s %s (MISSING)\n", name+":", path)
		return
	}
	fmt.Printf("    %-12s %s\n", name+":", path)
}
