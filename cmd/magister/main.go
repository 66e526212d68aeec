// Command magister logs into the school portal and prints the
// student's schedule and most recent grades as JSON.
//
// Credentials come from flags or the environment (a .env file is
// loaded when present): MAGISTER_SCHOOL, MAGISTER_USERNAME,
// MAGISTER_PASSWORD.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/joho/godotenv"

	"github.com/h3ll0u/go-magister/session"
)

func main() {
	_ = godotenv.Load()

	school := flag.String("school", os.Getenv("MAGISTER_SCHOOL"), "school name (substring match)")
	username := flag.String("username", os.Getenv("MAGISTER_USERNAME"), "account username")
	password := flag.String("password", os.Getenv("MAGISTER_PASSWORD"), "account password")
	from := flag.String("from", time.Now().Format("2006-01-02"), "schedule range start (YYYY-MM-DD)")
	to := flag.String("to", time.Now().AddDate(0, 0, 7).Format("2006-01-02"), "schedule range end (YYYY-MM-DD)")
	changes := flag.Bool("changes", false, "fetch recent schedule changes instead of the schedule")
	grades := flag.Int("grades", 1, "number of recent grades to fetch")
	quiet := flag.Bool("quiet", false, "disable status logging")
	flag.Parse()

	if *school == "" || *username == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "school, username and password are required")
		flag.Usage()
		os.Exit(2)
	}

	figure.NewFigure("Magister", "cybermedium", true).Print()
	fmt.Println()

	if err := run(*school, *username, *password, *from, *to, *changes, *grades, *quiet); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

func run(school, username, password, from, to string, changes bool, grades int, quiet bool) error {
	s, err := session.New(session.WithLogging(!quiet))
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	ctx := context.Background()
	if _, err := s.Login(ctx, school, username, password); err != nil {
		return fmt.Errorf("login: %w", err)
	}

	schedule, err := s.FetchSchedule(ctx, from, to, changes)
	if err != nil {
		return fmt.Errorf("fetching schedule: %w", err)
	}
	if err := printJSON("schedule", schedule); err != nil {
		return err
	}

	recent, err := s.FetchGrades(ctx, grades, 0)
	if err != nil {
		return fmt.Errorf("fetching grades: %w", err)
	}
	return printJSON("grades", recent)
}

func printJSON(label string, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", label, err)
	}
	fmt.Printf("%s:\n%s\n", label, out)
	return nil
}
