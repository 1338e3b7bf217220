package cmd

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with sample data",
	Long:  `Seed the database with sample bookings for development and testing purposes.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(".")
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}

		db, err := initDB(cfg.Database)
		if err != nil {
			log.Fatalf("failed to init db: %v", err)
		}
		defer db.Close()

		if clearData {
			if _, err := db.Exec("DELETE FROM payment_attempts"); err != nil {
				log.Fatalf("failed to clear payment attempts: %v", err)
			}
			if _, err := db.Exec("DELETE FROM bookings"); err != nil {
				log.Fatalf("failed to clear bookings: %v", err)
			}
			fmt.Println("Cleared existing bookings and payment attempts")
		}

		now := time.Now()
		samples := []struct {
			UserID    int64
			StationID int64
			ChargerID int64
			SlotStart time.Time
			SlotEnd   time.Time
			Amount    int64
			Status    string
		}{
			{1, 1, 1, now.Add(2 * time.Hour), now.Add(3 * time.Hour), 50000, "pending"},
			{1, 1, 2, now.Add(24 * time.Hour), now.Add(25 * time.Hour), 75000, "pending"},
			{2, 2, 1, now.Add(4 * time.Hour), now.Add(5 * time.Hour), 60000, "pending"},
		}

		for _, s := range samples {
			var exists int
			row := db.QueryRow(
				"SELECT 1 FROM bookings WHERE user_id = $1 AND charger_id = $2 AND slot_start = $3",
				s.UserID, s.ChargerID, s.SlotStart)
			if err := row.Scan(&exists); err == nil {
				fmt.Printf("booking for user %d charger %d already exists, skipping\n", s.UserID, s.ChargerID)
				continue
			}

			_, err := db.Exec(
				`INSERT INTO bookings (user_id, station_id, charger_id, slot_start, slot_end, amount, currency, status, version, created_at, updated_at)
				 VALUES ($1, $2, $3, $4, $5, $6, 'NPR', $7, 1, now(), now())`,
				s.UserID, s.StationID, s.ChargerID, s.SlotStart, s.SlotEnd, s.Amount, s.Status)
			if err != nil {
				log.Fatalf("failed to insert booking: %v", err)
			}
			fmt.Printf("Seeded booking: user %d, station %d, charger %d, amount %d\n",
				s.UserID, s.StationID, s.ChargerID, s.Amount)
		}

		fmt.Println("Seeding complete")
	},
}
