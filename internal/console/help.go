package console

// HelpText lists the console commands.
const HelpText = `Type a line to send it to everyone on the chat topic.

Commands:
  /nick <nickname>                        set your nickname (quote names with spaces)
  /list_peers                             show known peers
  /dm <nickname> <message>                send a private message
  /upload <path> [description]            publish a file's metadata
  /list_files                             show files published by you and your peers
  /get_file_metadata <hash>               find every peer publishing a hash
  /trade <nickname> <your hash> <their hash>
                                          offer one of your files for one of theirs
  /trade_accept <nickname>                accept an offer
  /trade_decline <nickname>               decline an offer
  /trade_cancel <nickname>                withdraw your offer
  /trades                                 show live and recent trades
  /help                                   show this text

Nicknames are not unique. When two peers share one, use the nickname#suffix
form shown in /list_peers.

Trades: once an offer is accepted both sides start sending at the same time.
Delivery is best effort and the swap is not atomic. If the other side
disconnects or stalls, the trade fails and you keep whatever you already
received in full; your own file may already have been delivered.
`
