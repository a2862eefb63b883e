package main

import (
	"encoding/json"
	"fmt"

	"github.com/calloway/waypoint/internal/models"
	"github.com/spf13/cobra"
)

func newTripsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trips",
		Short: "List, create, select, and delete trips",
	}

	cmd.AddCommand(newTripsListCmd())
	cmd.AddCommand(newTripsCreateCmd())
	cmd.AddCommand(newTripsSelectCmd())
	cmd.AddCommand(newTripsDeleteCmd())
	return cmd
}

func newTripsListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all trips",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTripsList(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Waypoint config file")
	return cmd
}

func runTripsList(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	s, err := openStack(cmd.Context(), configPath, true)
	if err != nil {
		return err
	}
	trips, err := s.session.ListTrips(cmd.Context())
	if err != nil {
		return err
	}
	if len(trips) == 0 {
		fmt.Fprintln(out, "No trips yet. Create one with \"wp trips create --name ...\".")
		return nil
	}

	rows := make([][]string, 0, len(trips))
	for _, e := range trips {
		trip := e.(*models.Trip)
		rows = append(rows, []string{
			trip.ID, trip.Name, formatDateRange(trip.StartDate, trip.EndDate), statusLabel(trip.SyncStatus),
		})
	}
	writeTable(out, []string{"ID", "NAME", "DATES", "STATUS"}, rows)
	return nil
}

func newTripsCreateCmd() *cobra.Command {
	var (
		configPath string
		name       string
		notes      string
		currency   string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a trip (works offline)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTripsCreate(cmd, configPath, name, notes, currency)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Waypoint config file")
	cmd.Flags().StringVarP(&name, "name", "n", "", "trip name (required)")
	cmd.Flags().StringVar(&notes, "notes", "", "free-form notes")
	cmd.Flags().StringVar(&currency, "currency", "", "default expense currency, e.g. EUR")
	cmd.MarkFlagRequired("name")
	return cmd
}

func runTripsCreate(cmd *cobra.Command, configPath, name, notes, currency string) error {
	out := cmd.OutOrStdout()

	s, err := openStack(cmd.Context(), configPath, true)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(map[string]string{
		"name": name, "notes": notes, "currency": currency,
	})
	if err != nil {
		return err
	}
	trip, err := s.session.Mutate(cmd.Context(), models.OpCreate, models.TypeTrip, payload)
	if err != nil {
		return err
	}

	if trip.Status() == models.SyncStatusPending {
		fmt.Fprintf(out, "Created trip %q as %s (pending sync)\n", name, trip.EntityID())
	} else {
		fmt.Fprintf(out, "Created trip %q as %s\n", name, trip.EntityID())
	}
	return nil
}

func newTripsSelectCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "select <trip-id>",
		Short: "Make a trip the active one and show its cities",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTripsSelect(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Waypoint config file")
	return cmd
}

func runTripsSelect(cmd *cobra.Command, configPath, id string) error {
	out := cmd.OutOrStdout()

	s, err := openStack(cmd.Context(), configPath, true)
	if err != nil {
		return err
	}
	trip, err := s.session.SelectTrip(cmd.Context(), id)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Active trip: %s (%s)\n", trip.Name, trip.ID)

	cities, err := s.session.List(cmd.Context(), models.TypeTripCity, trip.ID)
	if err != nil {
		return err
	}
	if len(cities) == 0 {
		fmt.Fprintln(out, "No cities yet.")
		return nil
	}
	rows := make([][]string, 0, len(cities))
	for _, e := range cities {
		city := e.(*models.TripCity)
		rows = append(rows, []string{
			city.ID, city.Name, city.Country, formatDateRange(city.ArriveDate, city.DepartDate), statusLabel(city.SyncStatus),
		})
	}
	writeTable(out, []string{"ID", "CITY", "COUNTRY", "DATES", "STATUS"}, rows)
	return nil
}

func newTripsDeleteCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "delete <trip-id>",
		Short: "Delete a trip (works offline)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTripsDelete(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Waypoint config file")
	return cmd
}

func runTripsDelete(cmd *cobra.Command, configPath, id string) error {
	out := cmd.OutOrStdout()

	s, err := openStack(cmd.Context(), configPath, true)
	if err != nil {
		return err
	}
	payload, _ := json.Marshal(map[string]string{"id": id})
	if _, err := s.session.Mutate(cmd.Context(), models.OpDelete, models.TypeTrip, payload); err != nil {
		return err
	}
	fmt.Fprintf(out, "Deleted trip %s\n", id)
	return nil
}
