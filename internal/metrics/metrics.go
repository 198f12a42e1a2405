package metrics

import "expvar"

var (
	BotSpawns         = expvar.NewInt("bot_spawns")
	BotSpawnFailures  = expvar.NewInt("bot_spawn_failures")
	BotStops          = expvar.NewInt("bot_stops")
	BotCrashes        = expvar.NewInt("bot_crashes")
	BotForcedKills    = expvar.NewInt("bot_forced_kills")
	Recoveries        = expvar.NewInt("recoveries")
	RecoveryFailures  = expvar.NewInt("recovery_failures")
	ReconcileNeeded   = expvar.NewInt("reconcile_needed")
	WorkspacesRemoved = expvar.NewInt("workspaces_removed")
	TokenChecks       = expvar.NewInt("token_checks")
	TokenCacheHits    = expvar.NewInt("token_cache_hits")
	RunningBots       = expvar.NewInt("running_bots")
)
