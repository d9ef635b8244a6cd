// Package main 票据注册表运维工具
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/pu-ac-cn/uac-ticket/internal/bootstrap"
	"github.com/pu-ac-cn/uac-ticket/internal/compactor"
	"github.com/pu-ac-cn/uac-ticket/internal/config"
	"github.com/pu-ac-cn/uac-ticket/internal/logger"
	"github.com/pu-ac-cn/uac-ticket/internal/model"
	"github.com/pu-ac-cn/uac-ticket/internal/registry"
)

const usage = `ticketctl 票据注册表运维工具

用法:
  ticketctl [--config path] [--verbose] <命令> [参数]

命令:
  count                统计各类型票据数量
  clean                立即清理一次过期票据
  delete <id>          删除票据及其全部后代
  delete-all --force   清空注册表
  expand <compact>     还原紧凑票据（启用加密时也接受密封形式）
  token <subject>      签发管理接口令牌
`

var errUsage = errors.New("参数错误")

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
		}
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, argv []string, out io.Writer) error {
	var configPath string
	var verbose bool

	flagSet := pflag.NewFlagSet("ticketctl", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "配置文件路径")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "输出组件日志")
	force := flagSet.Bool("force", false, "确认执行 delete-all")
	flagSet.SetInterspersed(true)
	flagSet.SetOutput(io.Discard)

	if err := flagSet.Parse(argv); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			fmt.Fprint(out, usage)
			return nil
		}
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	args := flagSet.Args()
	if len(args) == 0 {
		return fmt.Errorf("%w: 缺少命令", errUsage)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if !verbose {
		cfg.Log.Level = "warn"
	}
	zlog, err := logger.New(&cfg.Log)
	if err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer zlog.Sync()

	// 清理由本命令执行，不需要后台任务
	cfg.Cleaner.Enabled = false
	app, err := bootstrap.Build(ctx, cfg, zlog)
	if err != nil {
		return err
	}
	defer app.Close()

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "count":
		return countTickets(ctx, app, out)
	case "clean":
		stats, err := app.Cleaner.Sweep(ctx)
		if err != nil {
			return err
		}
		if stats.Skipped {
			fmt.Fprintln(out, "其他节点正在清理，本次跳过")
			return nil
		}
		fmt.Fprintf(out, "扫描 %d，删除 %d，失败 %d，耗时 %s\n", stats.Scanned, stats.Removed, stats.Failed, stats.Duration)
		return nil
	case "delete":
		if len(rest) != 1 {
			return fmt.Errorf("%w: delete 需要一个票据 ID", errUsage)
		}
		n, err := app.Registry.DeleteTicket(ctx, rest[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "已删除 %d 个票据\n", n)
		return nil
	case "delete-all":
		if !*force {
			return fmt.Errorf("%w: 为避免误操作，请加上 --force", errUsage)
		}
		n, err := app.Registry.DeleteAll(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "已清空注册表，共删除 %d 个票据\n", n)
		return nil
	case "expand":
		if len(rest) != 1 {
			return fmt.Errorf("%w: expand 需要一个紧凑票据", errUsage)
		}
		t, err := expand(app, rest[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(t)
	case "token":
		if len(rest) != 1 {
			return fmt.Errorf("%w: token 需要签发对象", errUsage)
		}
		if app.AdminTokens == nil {
			return errors.New("未配置 admin.jwt_secret")
		}
		token, err := app.AdminTokens.GenerateAdminToken(rest[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(out, token)
		return nil
	default:
		return fmt.Errorf("%w: 未知命令 %q", errUsage, cmd)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

func countTickets(ctx context.Context, app *bootstrap.App, out io.Writer) error {
	for _, def := range app.Catalog.Definitions() {
		n, err := registry.OrUnknown(app.Store.Count(ctx, def.Kind))
		if err != nil {
			return err
		}
		if n == registry.CountUnknown {
			fmt.Fprintf(out, "%-4s 未知\n", def.Kind)
			continue
		}
		fmt.Fprintf(out, "%-4s %d\n", def.Kind, n)
	}
	return nil
}

// expand 先按紧凑格式还原，失败且启用加密时再尝试密封形式
func expand(app *bootstrap.App, s string) (*model.Ticket, error) {
	t, err := app.Compactor.Expand(s)
	if err == nil || app.Sealer == nil || !errors.Is(err, compactor.ErrMalformedTicketID) {
		return t, err
	}
	return app.Sealer.Open(s)
}
