package cmd

import (
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/sky93/dripflow/internal/core"
)

var newContact core.Contact

var contactCmd = &cobra.Command{
	Use:   "contact",
	Short: "Manage workflow subjects",
}

var contactAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a contact that workflows can target",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c := newContact
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		return withApp(cmd, func(a *app) error {
			if err := a.store.CreateContact(cmd.Context(), &c); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), c)
		})
	},
}

var contactListCmd = &cobra.Command{
	Use:   "list",
	Short: "List contacts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(a *app) error {
			contacts, err := a.store.ListContacts(cmd.Context(), 100)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), contacts)
		})
	},
}

func init() {
	rootCmd.AddCommand(contactCmd)
	contactCmd.AddCommand(contactAddCmd, contactListCmd)

	f := contactAddCmd.Flags()
	f.StringVar(&newContact.ID, "id", "", "contact ID (default: random UUID)")
	f.StringVar(&newContact.OwnerID, "owner", "", "ID of the agent who owns the contact")
	f.StringVar(&newContact.FirstName, "first-name", "", "first name")
	f.StringVar(&newContact.LastName, "last-name", "", "last name")
	f.StringVar(&newContact.Phone, "phone", "", "phone number messages are sent to")
	f.StringVar(&newContact.Email, "email", "", "email address")
	_ = contactAddCmd.MarkFlagRequired("phone")
}
