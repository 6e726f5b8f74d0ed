package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/Amenzel91/catalyst-bot-sub000/cmd/engine"
	"github.com/Amenzel91/catalyst-bot-sub000/src/database"
)

var Version string

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()
	setupLogger()

	app := cli.NewApp()
	app.Name = "catalyst"
	app.Usage = "Catalyst trading engine command line interface"
	app.Version = Version

	app.Commands = []cli.Command{
		engineCMD,
		migrateCMD,
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	engineCMD = cli.Command{
		Name:        "engine",
		Usage:       "run the trading engine",
		Action:      engineAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Consume signals, manage positions and serve the operator API`,
	}
	migrateCMD = cli.Command{
		Name:        "migrate",
		Usage:       "migrate the database",
		Action:      migrateAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Create or update tables and run data migrations`,
	}
)

func setupLogger() {
	level, err := logrus.ParseLevel(strings.ToLower(os.Getenv("LOG_LEVEL")))
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

func engineAction(_ *cli.Context) error {
	logrus.Info("Starting engine CMD")

	defer func() {
		if r := recover(); r != nil {
			logrus.WithError(fmt.Errorf("%+v", r)).Error("Engine panic")
			panic(r)
		}
	}()

	e := &engine.Engine{}
	if err := e.Start(); err != nil {
		logrus.WithError(err).Error("Starting cmd")
		return err
	}
	return nil
}

func migrateAction(_ *cli.Context) error {
	logrus.Info("Starting migrate CMD")
	if err := database.InitMainDB(); err != nil {
		logrus.WithError(err).Error("Failed to migrate database")
		return err
	}
	return nil
}
