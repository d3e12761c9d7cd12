package discord

import (
	"github.com/bwmarrin/discordgo"

	"kittybot/internal/chunker"
	"kittybot/internal/commands"
	"kittybot/internal/orchestrator"
)

const descriptionMax = 100

func applicationCommands(cmds []commands.Command) []*discordgo.ApplicationCommand {
	out := make([]*discordgo.ApplicationCommand, 0, len(cmds))
	for _, c := range cmds {
		ac := &discordgo.ApplicationCommand{
			Name:        c.Name,
			Description: orchestrator.Truncate(c.Description, descriptionMax),
		}
		for _, o := range c.Options {
			ac.Options = append(ac.Options, &discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        o.Name,
				Description: orchestrator.Truncate(o.Description, descriptionMax),
				Required:    o.Required,
			})
		}
		out = append(out, ac)
	}
	return out
}

func (b *Bot) onInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand || b.commands == nil {
		return
	}
	b.metrics.UpdatesTotal.WithLabelValues("discord").Inc()
	data := i.ApplicationCommandData()
	cmd, ok := b.commands.Lookup(data.Name)
	if !ok {
		return
	}
	log := b.logger.With().Str("command", data.Name).Str("interaction_id", i.ID).Logger()

	var flags discordgo.MessageFlags
	if cmd.Private {
		flags = discordgo.MessageFlagsEphemeral
	}
	// Defer first; Discord drops interactions not acknowledged within 3s.
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: flags},
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to ack interaction")
		return
	}

	b.metrics.CommandsTotal.WithLabelValues(cmd.Name).Inc()
	reply := b.commands.Run(b.ctx, data.Name, invocation(i, data))

	chunks := chunker.Split(reply.Text, b.cfg.MaxLength)
	if len(chunks) == 0 {
		chunks = []string{"Done."}
	}
	first := chunks[0]
	if _, err := s.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{Content: &first}); err != nil {
		log.Warn().Err(err).Msg("failed to edit interaction response")
		return
	}
	for _, c := range chunks[1:] {
		if _, err := s.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{Content: c, Flags: flags}); err != nil {
			log.Warn().Err(err).Msg("failed to send followup")
			return
		}
	}
}

func invocation(i *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) commands.Invocation {
	inv := commands.Invocation{
		ChannelID: i.ChannelID,
		IsDirect:  i.GuildID == "",
		Args:      map[string]string{},
	}
	switch {
	case i.Member != nil && i.Member.User != nil:
		inv.UserID = i.Member.User.ID
		inv.IsAdmin = isAdmin(i.Member.Permissions)
	case i.User != nil:
		inv.UserID = i.User.ID
	}
	for _, o := range data.Options {
		if o.Type == discordgo.ApplicationCommandOptionString {
			inv.Args[o.Name] = o.StringValue()
		}
	}
	return inv
}

func isAdmin(perms int64) bool {
	return perms&discordgo.PermissionAdministrator != 0 || perms&discordgo.PermissionManageChannels != 0
}
