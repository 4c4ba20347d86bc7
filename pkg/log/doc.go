/*
Package log wraps zerolog to give tmcagent structured, component-tagged
logging.

Initializing:

	log.Init(log.Config{Level: log.ParseLevel(os.Getenv("TMCAGENT_LOG")), JSONOutput: true})

Component loggers:

	l := log.WithComponent("account")
	l.Info().Str("login", login).Msg("creating user")
*/
package log
