package bots

import (
	"fmt"
	"time"

	"matchcore/internal/match"
)

// CreateSimulation builds n random traders named T1..Tn sharing one engine
func CreateSimulation(n int, config TraderConfig, engine *match.Engine) *BotManager {
	manager := NewBotManager()
	seed := time.Now().UnixNano()

	for i := 1; i <= n; i++ {
		manager.AddBot(NewRandomTrader(fmt.Sprintf("T%d", i), config, engine, seed+int64(i)))
	}

	return manager
}
