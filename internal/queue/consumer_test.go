package queue

import (
    "encoding/json"
    "os"
    "path/filepath"
    "strings"
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/iliyamo/raffle-ticketing/internal/logging"
)

func TestHandleAppendsLine(t *testing.T) {
    path := filepath.Join(t.TempDir(), "logs", "purchase.log")
    c := &Consumer{LogPath: path, Log: logging.Discard()}

    ev := PurchaseApprovedEvent{PurchaseID: 12, PrizeID: 4, PrizeName: "Laptop", Email: "a@x.com",
        Numbers: []int{3, 7}, Amount: "3001.00", PaymentRef: "991", ApprovedAt: "2026-03-01T12:00:00Z"}
    body, err := json.Marshal(ev)
    require.NoError(t, err)

    require.NoError(t, c.Handle(body))
    require.NoError(t, c.Handle(body))

    data, err := os.ReadFile(path)
    require.NoError(t, err)
    lines := strings.Split(strings.TrimSpace(string(data)), "\n")
    require.Len(t, lines, 2)
    assert.Equal(t, `[2026-03-01T12:00:00Z] Purchase approved | purchase_id=12 | prize_id=4 | prize="Laptop" | email=a@x.com | amount=3001.00 | payment=991 | numbers=[3,7]`, lines[0])
}

func TestHandleRejectsGarbage(t *testing.T) {
    c := &Consumer{LogPath: filepath.Join(t.TempDir(), "purchase.log"), Log: logging.Discard()}
    assert.Error(t, c.Handle([]byte("not json")))
}
