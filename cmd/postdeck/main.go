// postdeck は予約投稿のAPIサーバーと配信ワーカーの起動バイナリ。
// サブコマンド: serve（デフォルト）, worker, migrate, healthcheck
package main

import (
	"log/slog"
	"os"

	"github.com/hitoshi/postdeck/internal/app"
)

func main() {
	if err := app.Run(os.Stderr, os.Args[1:]); err != nil {
		slog.Error("application exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
