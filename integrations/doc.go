// Package integrations holds the action handlers a workflow step can name:
// "gmail" sends an email, "receive_email" pauses the run until the recipient
// answers and "telegram" posts to a chat.
//
// Each handler talks to its provider through a small interface (MailSender,
// ChatSender) so the provider adapters can be swapped in tests. Register adds
// all three to a dispatch.Registry.
package integrations
