// Command mrmap はOGCサービスレジストリのAPIサーバー、ワーカー、管理コマンドを提供する。
//
//	mrmap [serve|worker|migrate|createsuperuser|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/mrmap-community/mrmap-sub007/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
