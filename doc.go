// # Go Session Bridge for OpenAI Realtime Voice API
//
// This repository provides a Go package for running real-time, two-way voice conversations with an AI assistant over the OpenAI Realtime WebSocket API. It bridges the local microphone and speaker to the remote session: captured audio is resampled to the 24 kHz mono wire format and streamed up, assistant audio is buffered and played back, and a turn state machine tracks who is speaking, commits user turns on server-side voice activity detection, and cancels assistant responses when the user barges in.
package realtime
