package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>WABridge Control Surface</title>
  <style>
    :root {
      --ink: #16212b;
      --paper: #f4f7f5;
      --card: #fdfffd;
      --line: #c9d6cd;
      --accent: #1d8f64;
      --accent-2: #3d6fe8;
      --danger: #c2483f;
      --muted: #68766f;
      --shadow: 0 18px 36px rgba(22, 33, 43, 0.14);
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background:
        radial-gradient(1200px 500px at -5% -10%, rgba(61, 111, 232, 0.14), transparent 60%),
        radial-gradient(900px 500px at 110% -10%, rgba(29, 143, 100, 0.18), transparent 65%),
        linear-gradient(140deg, #f2faf4 0%, #f0f4fa 45%, #fdfffd 100%);
      min-height: 100vh;
      padding: 20px;
    }

    .shell {
      max-width: 1240px;
      margin: 0 auto;
      display: grid;
      gap: 14px;
      animation: rise 420ms ease-out;
    }

    .bar {
      background: linear-gradient(140deg, #fdfffd, #eef6f0);
      border: 1px solid var(--line);
      border-radius: 16px;
      box-shadow: var(--shadow);
      padding: 14px 16px;
      display: flex;
      flex-wrap: wrap;
      gap: 10px;
      align-items: center;
      justify-content: space-between;
    }

    .bar h1 {
      margin: 0;
      font-size: 19px;
      letter-spacing: 0.2px;
    }

    .bar .controls {
      display: flex;
      flex-wrap: wrap;
      gap: 8px;
      align-items: center;
    }

    input, button, select {
      font: inherit;
      border-radius: 10px;
      border: 1px solid var(--line);
      padding: 7px 10px;
      background: #fff;
      color: var(--ink);
    }

    input:focus, button:focus { outline: 2px solid rgba(29, 143, 100, 0.35); }

    button {
      cursor: pointer;
      background: var(--accent);
      border-color: var(--accent);
      color: #fff;
      transition: transform 120ms ease, filter 120ms ease;
    }

    button:hover { filter: brightness(1.06); transform: translateY(-1px); }
    button.ghost { background: #fff; color: var(--ink); border-color: var(--line); }
    button.danger { background: var(--danger); border-color: var(--danger); }
    button:disabled { opacity: 0.5; cursor: default; transform: none; }

    .statusline {
      display: flex;
      gap: 10px;
      align-items: center;
      font-size: 13px;
      color: var(--muted);
    }

    #statusMessage.ok { color: var(--accent); }
    #statusMessage.warn { color: #a2690f; }
    #statusMessage.err { color: var(--danger); }

    .grid {
      display: grid;
      gap: 14px;
      grid-template-columns: repeat(auto-fit, minmax(340px, 1fr));
    }

    .panel {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 16px;
      box-shadow: var(--shadow);
      padding: 14px 16px;
      min-width: 0;
    }

    .panel h2 {
      margin: 0 0 10px;
      font-size: 15px;
      text-transform: uppercase;
      letter-spacing: 0.6px;
      color: var(--muted);
    }

    .channel {
      border: 1px solid var(--line);
      border-radius: 12px;
      padding: 10px 12px;
      margin-bottom: 10px;
      display: grid;
      gap: 6px;
    }

    .channel .head {
      display: flex;
      justify-content: space-between;
      align-items: center;
      gap: 8px;
    }

    .state {
      font-size: 12px;
      padding: 2px 10px;
      border-radius: 999px;
      border: 1px solid var(--line);
      background: #f2f2ec;
      white-space: nowrap;
    }

    .state.connected { background: rgba(29, 143, 100, 0.16); color: var(--accent); border-color: rgba(29, 143, 100, 0.4); }
    .state.connecting { background: rgba(162, 105, 15, 0.12); color: #a2690f; }
    .state.disconnected, .state.disconnected_qr_expired { background: rgba(194, 72, 63, 0.12); color: var(--danger); }

    .mono { font-family: "JetBrains Mono", "SFMono-Regular", Consolas, monospace; font-size: 12px; }

    .pairing {
      background: #14241c;
      color: #9fe8c4;
      border-radius: 10px;
      padding: 8px 10px;
      word-break: break-all;
    }

    .actions { display: flex; gap: 6px; flex-wrap: wrap; }

    .feed {
      list-style: none;
      margin: 0;
      padding: 0;
      max-height: 420px;
      overflow-y: auto;
      display: grid;
      gap: 6px;
    }

    .feed li {
      border-left: 3px solid var(--accent-2);
      background: #f4f7fb;
      border-radius: 0 8px 8px 0;
      padding: 6px 8px;
      font-size: 12px;
    }

    .feed li.message { border-left-color: var(--accent); background: #f1f9f4; }
    .feed li.auth_failure, .feed li.disconnected { border-left-color: var(--danger); background: #fbf1f0; }

    .muted { color: var(--muted); font-size: 12px; }

    @keyframes rise {
      from { opacity: 0; transform: translateY(8px); }
      to { opacity: 1; transform: none; }
    }

    .pulse { animation: rise 300ms ease-out; }
  </style>
</head>
<body>
  <div class="shell">
    <header id="topBar" class="bar">
      <h1>WABridge Control Surface</h1>
      <div class="controls">
        <input id="token" type="password" placeholder="bearer token" size="28" />
        <input id="account" type="text" placeholder="account id" size="14" />
        <button id="refresh" type="button">Refresh</button>
        <button id="toggle" type="button" class="ghost">Pause Auto</button>
      </div>
      <div class="statusline">
        <span>api: <span id="apiBase" class="mono">-</span></span>
        <span>updated: <span id="lastUpdated">-</span></span>
        <span id="statusMessage">-</span>
      </div>
    </header>

    <main class="grid">
      <article class="panel">
        <h2>Channels</h2>
        <div class="actions" style="margin-bottom: 10px;">
          <input id="newPhone" type="text" placeholder="+15551230000" size="14" />
          <input id="newInbox" type="text" placeholder="inbox name" size="14" />
          <button id="createChannel" type="button">Create Channel</button>
        </div>
        <div id="channelList"></div>
      </article>

      <article class="panel">
        <h2>Pairing</h2>
        <p class="muted">Codes expire two minutes after issue; expired codes are replaced automatically on the next fetch.</p>
        <div id="pairingBox" class="pairing mono">select a channel</div>
        <p id="pairingMeta" class="muted"></p>
      </article>

      <article class="panel">
        <h2>Live Events <span id="streamState" class="muted">(disconnected)</span></h2>
        <ul id="eventFeed" class="feed"></ul>
      </article>
    </main>
  </div>

  <script>
    (function () {
      const store = {
        timer: null,
        intervalMs: 5000,
        paused: false,
        selectedChannel: "",
        socket: null,
      };

      const dom = {
        token: document.getElementById("token"),
        account: document.getElementById("account"),
        refresh: document.getElementById("refresh"),
        toggle: document.getElementById("toggle"),
        apiBase: document.getElementById("apiBase"),
        lastUpdated: document.getElementById("lastUpdated"),
        statusMessage: document.getElementById("statusMessage"),
        topBar: document.getElementById("topBar"),
        newPhone: document.getElementById("newPhone"),
        newInbox: document.getElementById("newInbox"),
        createChannel: document.getElementById("createChannel"),
        channelList: document.getElementById("channelList"),
        pairingBox: document.getElementById("pairingBox"),
        pairingMeta: document.getElementById("pairingMeta"),
        streamState: document.getElementById("streamState"),
        eventFeed: document.getElementById("eventFeed"),
      };

      function getBase() {
        return window.location.origin;
      }

      function getToken() {
        return dom.token.value.trim();
      }

      function getAccount() {
        return dom.account.value.trim();
      }

      function cid(prefix) {
        return prefix + "_" + Date.now() + "_" + Math.random().toString(16).slice(2, 8);
      }

      async function request(path, options) {
        const token = getToken();
        if (!token) {
          throw new Error("missing token");
        }
        const opts = options || {};
        const headers = {
          "Authorization": "Bearer " + token,
          "X-Correlation-Id": cid("dash"),
        };
        if (opts.body !== undefined) {
          headers["Content-Type"] = "application/json";
        }
        const response = await fetch(getBase() + path, {
          method: opts.method || "GET",
          headers: headers,
          body: opts.body !== undefined ? JSON.stringify(opts.body) : undefined,
        });
        const text = await response.text();
        let data;
        try {
          data = JSON.parse(text);
        } catch (err) {
          throw new Error("non-json response: " + text.slice(0, 220));
        }
        if (!response.ok) {
          const code = data.code ? String(data.code) : "error";
          const msg = data.message ? String(data.message) : response.statusText;
          throw new Error(response.status + " " + code + ": " + msg);
        }
        return data;
      }

      function setStatus(text, cls) {
        dom.statusMessage.textContent = text;
        dom.statusMessage.className = cls || "";
      }

      function channelPath(channelID, tail) {
        return "/v1/accounts/" + encodeURIComponent(getAccount()) +
          "/channels/" + encodeURIComponent(channelID) + (tail || "");
      }

      async function channelAction(channelID, action) {
        setStatus(action + " " + channelID + "...", "warn");
        try {
          if (action === "delete") {
            await request(channelPath(channelID), { method: "DELETE" });
          } else {
            await request(channelPath(channelID, "/" + action), { method: "POST" });
          }
          setStatus("ok", "ok");
          refresh();
        } catch (err) {
          setStatus(String(err && err.message ? err.message : err), "err");
        }
      }

      async function loadPairing(channelID) {
        store.selectedChannel = channelID;
        dom.pairingBox.textContent = "loading...";
        dom.pairingMeta.textContent = "";
        try {
          const info = await request(channelPath(channelID, "/pairing"));
          if (!info.available) {
            dom.pairingBox.textContent = "no code available (automation unreachable, retry)";
            dom.pairingMeta.textContent = "state: " + String(info.connection_state || "-");
            return;
          }
          dom.pairingBox.textContent = String(info.code || "");
          const expires = info.expires_at ? new Date(info.expires_at).toLocaleTimeString() : "-";
          dom.pairingMeta.textContent = "channel " + channelID + " | expires " + expires +
            " | state " + String(info.connection_state || "-");
        } catch (err) {
          dom.pairingBox.textContent = "error: " + String(err && err.message ? err.message : err);
        }
      }

      function renderChannels(channels) {
        dom.channelList.innerHTML = "";
        if (!Array.isArray(channels) || channels.length === 0) {
          const p = document.createElement("p");
          p.className = "muted";
          p.textContent = "No channels for this account";
          dom.channelList.appendChild(p);
          return;
        }
        channels.forEach((ch) => {
          const card = document.createElement("div");
          card.className = "channel";

          const head = document.createElement("div");
          head.className = "head";
          const title = document.createElement("span");
          title.className = "mono";
          title.textContent = String(ch.id || "-") + (ch.phoneNumber ? " | " + ch.phoneNumber : "");
          const state = document.createElement("span");
          const stateValue = String(ch.connectionState || "unknown");
          state.className = "state " + stateValue;
          state.textContent = stateValue + (ch.reauthRequired ? " | reauth" : "");
          head.appendChild(title);
          head.appendChild(state);
          card.appendChild(head);

          const actions = document.createElement("div");
          actions.className = "actions";
          [
            ["start", "start", ""],
            ["stop", "stop", "ghost"],
            ["pairing", "pair", "ghost"],
            ["delete", "delete", "danger"],
          ].forEach(([action, label, cls]) => {
            const btn = document.createElement("button");
            btn.type = "button";
            if (cls) { btn.className = cls; }
            btn.textContent = label;
            btn.addEventListener("click", function () {
              if (action === "pairing") {
                loadPairing(String(ch.id || ""));
              } else {
                channelAction(String(ch.id || ""), action);
              }
            });
            actions.appendChild(btn);
          });
          card.appendChild(actions);
          dom.channelList.appendChild(card);
        });
      }

      function pushEvent(raw) {
        let env = {};
        try {
          env = JSON.parse(raw);
        } catch (err) {
          return;
        }
        const li = document.createElement("li");
        const type = String(env.event_type || "event");
        li.classList.add(type);
        li.textContent = new Date().toLocaleTimeString() + " | " + type +
          " | channel=" + String(env.channel_id || "-");
        dom.eventFeed.insertBefore(li, dom.eventFeed.firstChild);
        while (dom.eventFeed.children.length > 60) {
          dom.eventFeed.removeChild(dom.eventFeed.lastChild);
        }
      }

      function connectStream() {
        if (store.socket) {
          store.socket.close();
          store.socket = null;
        }
        const token = getToken();
        if (!token) {
          return;
        }
        const proto = window.location.protocol === "https:" ? "wss:" : "ws:";
        const url = proto + "//" + window.location.host + "/v1/events/stream?access_token=" + encodeURIComponent(token);
        const socket = new WebSocket(url);
        socket.onopen = function () { dom.streamState.textContent = "(live)"; };
        socket.onclose = function () { dom.streamState.textContent = "(disconnected)"; };
        socket.onmessage = function (msg) { pushEvent(String(msg.data || "")); };
        store.socket = socket;
      }

      async function createChannel() {
        const phone = dom.newPhone.value.trim();
        const inbox = dom.newInbox.value.trim();
        setStatus("creating channel...", "warn");
        try {
          await request("/v1/accounts/" + encodeURIComponent(getAccount()) + "/channels", {
            method: "POST",
            body: { phoneNumber: phone, inboxName: inbox },
          });
          dom.newPhone.value = "";
          dom.newInbox.value = "";
          setStatus("ok", "ok");
          refresh();
        } catch (err) {
          setStatus(String(err && err.message ? err.message : err), "err");
        }
      }

      async function refresh() {
        const account = getAccount();
        if (!account) {
          setStatus("enter account id", "warn");
          return;
        }
        setStatus("refreshing...", "warn");
        dom.topBar.classList.remove("pulse");
        void dom.topBar.offsetWidth;
        dom.topBar.classList.add("pulse");
        try {
          const result = await request("/v1/accounts/" + encodeURIComponent(account) + "/channels");
          renderChannels(result.channels || []);
          dom.lastUpdated.textContent = new Date().toLocaleTimeString();
          setStatus("ok", "ok");
          window.localStorage.setItem("wabridge_dashboard_token", getToken());
          window.localStorage.setItem("wabridge_dashboard_account", account);
          if (!store.socket || store.socket.readyState > 1) {
            connectStream();
          }
        } catch (err) {
          setStatus(String(err && err.message ? err.message : err), "err");
        }
      }

      function ensureTimer() {
        if (store.timer) {
          clearInterval(store.timer);
          store.timer = null;
        }
        if (!store.paused) {
          store.timer = setInterval(refresh, store.intervalMs);
        }
      }

      dom.refresh.addEventListener("click", refresh);
      dom.createChannel.addEventListener("click", createChannel);
      dom.toggle.addEventListener("click", function () {
        store.paused = !store.paused;
        dom.toggle.textContent = store.paused ? "Resume Auto" : "Pause Auto";
        ensureTimer();
      });
      dom.token.addEventListener("change", function () {
        connectStream();
        refresh();
      });
      dom.account.addEventListener("change", refresh);

      const savedToken = window.localStorage.getItem("wabridge_dashboard_token") || "";
      const savedAccount = window.localStorage.getItem("wabridge_dashboard_account") || "acct_live";
      dom.token.value = savedToken;
      dom.account.value = savedAccount;
      dom.apiBase.textContent = getBase();

      ensureTimer();
      if (savedToken) {
        connectStream();
        refresh();
      } else {
        setStatus("enter token to start", "warn");
      }
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
