// Author @gajzzs
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gajzzs/vdiskctl/internal/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := app.Execute(ctx, app.Env{}, os.Args[1:])
	stop()
	os.Exit(code)
}
