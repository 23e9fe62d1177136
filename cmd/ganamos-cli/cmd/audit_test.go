package cmd

import (
	"bytes"
	"testing"
	"time"

	"github.com/ganamos/backend/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestPrintDiscrepancies(t *testing.T) {
	var buf bytes.Buffer
	printDiscrepancies(&buf, nil)
	assert.Equal(t, "all balances match\n", buf.String())

	buf.Reset()
	printDiscrepancies(&buf, []models.BalanceDiscrepancy{
		{UserID: "user-1", Email: "a@example.com", Balance: 5000, CalculatedTotal: 4000, Difference: 1000},
	})
	out := buf.String()
	assert.Contains(t, out, "CALCULATED")
	assert.Contains(t, out, "user-1")
	assert.Contains(t, out, "4000")
}

func TestPrintStale(t *testing.T) {
	var buf bytes.Buffer
	printStale(&buf, nil)
	assert.Equal(t, "no stale withdrawals\n", buf.String())

	buf.Reset()
	printStale(&buf, []models.Transaction{
		{ID: "tx-1", UserID: "user-1", Amount: 2500, UpdatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
	})
	assert.Contains(t, buf.String(), "tx-1")
	assert.Contains(t, buf.String(), "2024-05-01T12:00:00Z")
}

func TestCommandTree(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		for _, sub := range c.Commands() {
			names[c.Name()+" "+sub.Name()] = true
		}
	}
	assert.True(t, names["migrate up"])
	assert.True(t, names["migrate down"])
	assert.True(t, names["audit balances"])
	assert.True(t, names["audit stale-withdrawals"])
}
