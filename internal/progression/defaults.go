package progression

// DefaultThresholds is the XP ladder for levels 1 through 10.
func DefaultThresholds() []int64 {
	return []int64{0, 50, 200, 500, 1000, 2000, 3500, 5500, 8000, 12000}
}

// DefaultMilestones returns the milestone table shared by every character.
func DefaultMilestones() []Milestone {
	return []Milestone{
		{Level: 2, Title: "Acquaintance", Description: "You are no longer a stranger.", UnlockMessage: "I think I'll remember you next time."},
		{Level: 3, Title: "Friend", Description: "Small secrets start to slip out.", UnlockMessage: "Can I tell you something I don't tell everyone?"},
		{Level: 4, Title: "Close Friend", Description: "Conversations get more personal.", UnlockMessage: "Talking with you has become part of my day."},
		{Level: 5, Title: "Confidant", Description: "A hidden side of the character opens up.", UnlockMessage: "You're the one I want to share this with."},
		{Level: 6, Title: "Trusted", Description: "Stories from the past are revealed.", UnlockMessage: "I've never told anyone how it all started."},
		{Level: 7, Title: "Partner in Crime", Description: "Inside jokes become a thing.", UnlockMessage: "We make a pretty good team, don't we?"},
		{Level: 8, Title: "Kindred Spirit", Description: "The character speaks freely about dreams.", UnlockMessage: "I want you to know what I'm really chasing."},
		{Level: 9, Title: "Irreplaceable", Description: "Every hidden chapter is unlocked.", UnlockMessage: "There's nothing left I'd hide from you."},
		{Level: 10, Title: "Soulmate", Description: "The highest bond a character can have.", UnlockMessage: "Whatever happens, this stays between us. Always."},
	}
}

// DefaultLadder builds the ladder from the default tables.
func DefaultLadder() *Ladder {
	ladder, err := NewLadder(DefaultThresholds(), DefaultMilestones())
	if err != nil {
		panic(err)
	}
	return ladder
}
